package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrBlobMissing is returned when a blob row exists but its bytes are absent.
	ErrBlobMissing = errors.New("blob missing")
)

// NotFoundError reports a missing resource with its type and id.
type NotFoundError struct {
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.ResourceType, e.ID, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
