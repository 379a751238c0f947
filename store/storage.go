package store

import (
	"context"
	"errors"
	"io"

	"github.com/Yulian302/lfusys-services-uploads/health"
)

var ErrObjectNotFound = errors.New("object not found")

// FileStorage is a flat namespace of objects addressed by slash separated keys.
// Scratch chunks and derived images both live behind it.
type FileStorage interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Size(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error

	health.ReadinessCheck
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
