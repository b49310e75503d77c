package engine

import "fmt"

// ValidationError reports a malformed or incomplete save payload. Nothing is
// persisted; the caller must fix the input before retrying.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...any) ValidationError {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports an optimistic-lock version mismatch. The caller must
// refetch the canonical state before retrying.
type ConflictError struct {
	Submitted int64
	Stored    int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("disposition version conflict: submitted %d, stored %d", e.Submitted, e.Stored)
}
