package batch

import (
	"errors"
	"fmt"
)

// EmptyBatchWarning is shown to users who submit without any image.
const EmptyBatchWarning = "Por favor, sube al menos una imagen antes de procesar."

var (
	// ErrEmptyBatch is returned before any work when no images were supplied.
	ErrEmptyBatch = errors.New("no images supplied")

	// ErrNothingProcessed is returned when every image of a batch failed.
	ErrNothingProcessed = errors.New("no image could be processed")

	ErrUnknownPolicy = errors.New("unknown failure policy")
)

// DecodeError reports an upload that is not a readable image.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ModelError reports a background-removal failure for one image.
type ModelError struct {
	Name string
	Err  error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("remove background of %s: %v", e.Name, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }
