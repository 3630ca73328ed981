package types

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Components wrap these with fmt.Errorf("%w: ...") so callers
// can classify failures with errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrNotFound             = errors.New("not found")
	ErrCorruption           = errors.New("corruption")
	ErrStorageFault         = errors.New("storage fault")
	ErrSchemaConflict       = errors.New("schema conflict")
	ErrTimeout              = errors.New("timeout")
	ErrEmbeddingFault       = errors.New("embedding fault")
	ErrPhaseOrder           = errors.New("phase order violation")
	ErrConfirmationRequired = errors.New("confirmation required")
)

var taxonomy = []struct {
	err  error
	name string
}{
	{ErrValidation, "ValidationError"},
	{ErrDuplicateKey, "DuplicateKey"},
	{ErrNotFound, "NotFound"},
	{ErrCorruption, "CorruptionError"},
	{ErrTimeout, "Timeout"},
	{ErrEmbeddingFault, "EmbeddingFault"},
	{ErrSchemaConflict, "SchemaConflict"},
	{ErrPhaseOrder, "PhaseOrder"},
	{ErrConfirmationRequired, "ConfirmationRequired"},
	{ErrStorageFault, "StorageFault"},
}

// Reason returns the taxonomy name of err, "Canceled" for cancellation and
// "Unknown" for anything else.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, t := range taxonomy {
		if errors.Is(err, t.err) {
			return t.name
		}
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}
	return "Unknown"
}

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StorageFault wraps an underlying storage error unless it is already
// classified. Deadline expiry is reported as Timeout and cancellation is
// passed through untouched.
func StorageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, t := range taxonomy {
		if errors.Is(err, t.err) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFault, op, err)
}
