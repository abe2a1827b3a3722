package batches

import "errors"

// Sentinel errors for the batches package.
var (
	ErrAlreadyAnswered  = errors.New("batches: response already answered")
	ErrBatchClosed      = errors.New("batches: batch already completed")
	ErrWrongUser        = errors.New("batches: response does not belong to user")
	ErrResponseNotFound = errors.New("batches: response not found")
)
