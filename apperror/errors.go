package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrSessionNotFound     = fmt.Errorf("upload session %w", ErrNotFound)
	ErrCatalogItemNotFound = fmt.Errorf("catalog item %w", ErrNotFound)

	ErrInvalidShape   = errors.New("invalid upload shape")
	ErrOutOfRange     = errors.New("chunk number out of range")
	ErrInvalidState   = errors.New("operation not allowed in current upload state")
	ErrEmptyChunk     = errors.New("chunk payload is empty")
	ErrChunkTooLarge  = errors.New("chunk payload exceeds declared chunk size")
	ErrConflict       = errors.New("concurrent modification detected")
	ErrLockTimeout    = errors.New("timed out waiting for lock")
	ErrUploadNotReady = errors.New("upload must be completed before attachment")

	ErrIncompleteUpload       = errors.New("upload is missing chunks and cannot be completed")
	ErrChecksumMismatch       = errors.New("checksum mismatch detected")
	ErrSizeMismatch           = errors.New("assembled size does not match declared total size")
	ErrUnsupportedImageFormat = errors.New("uploaded file is not a supported image")

	ErrStorageIO = errors.New("storage i/o failure")
)

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageIO, e.op, e.err)
}

func (e *storageError) Unwrap() []error {
	return []error{ErrStorageIO, e.err}
}

// StorageIO marks err as a persistence failure. The result matches both
// ErrStorageIO and the original cause.
func StorageIO(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *storageError
	if errors.As(err, &se) {
		return err
	}
	return &storageError{op: op, err: err}
}

// IsValidation reports whether err is a rejection that never mutates state.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidShape) ||
		errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEmptyChunk) ||
		errors.Is(err, ErrChunkTooLarge)
}
