package migrate

import (
	"errors"
	"fmt"
)

// ErrLocked is wrapped by migration failures caused by another connection
// holding the write lock; the caller retries, the coordinator does not.
var ErrLocked = errors.New("database is locked")

// DependencyError reports a database whose declared dependency has not
// migrated successfully.
type DependencyError struct {
	Database   DatabaseID
	Dependency DatabaseID
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency not satisfied: %s requires %s", e.Database, e.Dependency)
}

// VerificationError reports a post-migration schema check failure. It is
// fail-close: the database is left as-is and the error surfaces to the caller.
type VerificationError struct {
	Version int
	Reason  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed at version %d: %s", e.Version, e.Reason)
}

// ApplyError reports a migration script that failed to execute.
type ApplyError struct {
	Version int
	Cause   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("migration %d failed: %v", e.Version, e.Cause)
}

func (e *ApplyError) Unwrap() error { return e.Cause }
