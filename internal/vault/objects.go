package vault

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Object-store layout shared by the S3 and MinIO backends:
//
//	<prefix>/<blob id>/header.json
//	<prefix>/<blob id>/chunk-00000000
const (
	headerObject = "header.json"
	chunkObject  = "chunk-"
)

// HeaderKey returns the object key of a blob header
func HeaderKey(prefix, blobID string) string {
	return path.Join(prefix, blobID, headerObject)
}

// ChunkKey returns the object key of one chunk
func ChunkKey(prefix, blobID string, seq int) string {
	return path.Join(prefix, blobID, fmt.Sprintf("%s%08d", chunkObject, seq))
}

// BlobPrefix returns the key prefix under which all objects of a blob live
func BlobPrefix(prefix, blobID string) string {
	return path.Join(prefix, blobID) + "/"
}

// RootPrefix returns the listing prefix for every blob
func RootPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return strings.TrimSuffix(prefix, "/") + "/"
}

// ParseObjectKey splits an object key into its blob id and chunk sequence.
// seq is -1 for the header object; ok is false for foreign keys.
func ParseObjectKey(prefix, key string) (blobID string, seq int, ok bool) {
	rest := strings.TrimPrefix(key, RootPrefix(prefix))
	blobID, name, found := strings.Cut(rest, "/")
	if !found || blobID == "" {
		return "", 0, false
	}
	if name == headerObject {
		return blobID, -1, true
	}
	if !strings.HasPrefix(name, chunkObject) {
		return "", 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, chunkObject))
	if err != nil {
		return "", 0, false
	}
	return blobID, n, true
}
