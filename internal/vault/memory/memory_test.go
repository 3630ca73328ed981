package memory

import (
	"testing"

	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/internal/vault/vaulttest"
)

func TestStore_Conformance(t *testing.T) {
	vaulttest.Run(t, func(t *testing.T) vault.ChunkStore {
		return New()
	})
}
