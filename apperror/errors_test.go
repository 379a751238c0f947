package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundFamily(t *testing.T) {
	assert.ErrorIs(t, ErrSessionNotFound, ErrNotFound)
	assert.ErrorIs(t, ErrCatalogItemNotFound, ErrNotFound)
	assert.NotErrorIs(t, ErrSessionNotFound, ErrCatalogItemNotFound)
}

func TestStorageIO(t *testing.T) {
	cause := errors.New("disk full")
	err := StorageIO("write chunk", cause)

	assert.ErrorIs(t, err, ErrStorageIO)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "write chunk")

	wrapped := fmt.Errorf("complete: %w", err)
	assert.Equal(t, err, StorageIO("again", err))
	assert.Equal(t, wrapped, StorageIO("again", wrapped))
	assert.ErrorIs(t, wrapped, ErrStorageIO)

	assert.NoError(t, StorageIO("noop", nil))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(ErrOutOfRange))
	assert.True(t, IsValidation(fmt.Errorf("x: %w", ErrSessionNotFound)))
	assert.False(t, IsValidation(ErrChecksumMismatch))
	assert.False(t, IsValidation(StorageIO("op", errors.New("boom"))))
}
