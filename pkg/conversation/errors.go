package conversation

import (
	"errors"
	"fmt"
)

// ErrMissingPrompt is returned when a request has no prompt text.
var ErrMissingPrompt = errors.New("prompt is required")

// InternalError wraps a failure the caller cannot fix: session bookkeeping
// or the model dispatch.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// AttachmentError reports the first attachment that failed when the
// orchestrator runs with AbortOnFailure.
type AttachmentError struct {
	URL string
	Err error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attachment %s: %v", e.URL, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }
