package store

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileStorage_PutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalFileStorageImpl(t.TempDir())
	require.NoError(t, err)

	n, err := s.Put(ctx, "uploads/a/chunk_00001.part", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	n, err = s.Put(ctx, "uploads/a/chunk_00001.part", strings.NewReader("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	size, err := s.Size(ctx, "uploads/a/chunk_00001.part")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	rc, err := s.Get(ctx, "uploads/a/chunk_00001.part")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestLocalFileStorage_Missing(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalFileStorageImpl(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = s.Size(ctx, "nope")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	ok, err := s.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(ctx, "nope"))
}

func TestLocalFileStorage_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalFileStorageImpl(t.TempDir())
	require.NoError(t, err)

	for _, k := range []string{"uploads/a/1", "uploads/a/2", "uploads/b/1"} {
		_, err := s.Put(ctx, k, strings.NewReader("x"))
		require.NoError(t, err)
	}

	require.NoError(t, s.DeletePrefix(ctx, "uploads/a/"))

	ok, _ := s.Exists(ctx, "uploads/a/1")
	assert.False(t, ok)
	ok, _ = s.Exists(ctx, "uploads/b/1")
	assert.True(t, ok)

	assert.NoError(t, s.DeletePrefix(ctx, "uploads/missing/"))
	assert.Error(t, s.DeletePrefix(ctx, "uploads/a"))
}

func TestLocalFileStorage_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalFileStorageImpl(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "../outside", strings.NewReader("x"))
	assert.Error(t, err)
	assert.Error(t, s.DeletePrefix(context.Background(), "/"))
}
