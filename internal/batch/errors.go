package batch

import "errors"

var (
	// ErrNotFound covers both a missing batch and an owner mismatch.
	ErrNotFound          = errors.New("batch not found")
	ErrInvalidTransition = errors.New("invalid batch transition")
	// ErrFailureThreshold is reported to OnError when the completion policy fails a batch.
	ErrFailureThreshold = errors.New("failure tolerance exceeded")

	// errSkip aborts a conditional store update without error.
	errSkip = errors.New("skip")
	// errCancelled stops dispatch once the batch left PROCESSING.
	errCancelled = errors.New("batch no longer processing")
)

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return "validation failed"
	}
	if e.Reason == "" {
		return e.Field + ": invalid"
	}
	return e.Field + ": " + e.Reason
}
