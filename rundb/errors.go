package rundb

import "fmt"

// ==================== Sentinel Errors ====================

var (
	// ErrDatabaseNotOpen is returned when using a closed database
	ErrDatabaseNotOpen = fmt.Errorf("database not open")

	// ErrEmptyUUID is returned when a run ID is empty
	ErrEmptyUUID = fmt.Errorf("UUID cannot be empty")

	// ErrInvalidUUID is returned when a run ID is not a UUID
	ErrInvalidUUID = fmt.Errorf("invalid UUID format")

	// ErrRecordNotFound is returned when a run record doesn't exist
	ErrRecordNotFound = fmt.Errorf("run record not found")

	// ErrBucketNotFound is returned when a required bucket doesn't exist
	ErrBucketNotFound = fmt.Errorf("database bucket not found")

	// ErrCorruptedData is returned when a stored record cannot be parsed
	ErrCorruptedData = fmt.Errorf("corrupted database data")

	// ErrOrphanedRecord is returned when the target index points to a
	// missing run
	ErrOrphanedRecord = fmt.Errorf("orphaned record reference")
)

// ==================== Structured Error Types ====================

// DatabaseError wraps database operation errors with the operation and
// bucket involved.
type DatabaseError struct {
	Op     string // "open", "create bucket", "get bucket", ...
	Bucket string // Empty if not applicable
	Err    error
}

func (e *DatabaseError) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("database %s [bucket: %s]: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// RecordError wraps a failed operation on one run record.
type RecordError struct {
	Op  string // "start", "finish", "get", ...
	ID  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("run record %s [id: %s]: %v", e.Op, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid argument.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("validation failed [%s=%s]: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("validation failed [%s]: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
