package services

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

const sessionMarker = ".session"

func ScratchPrefix(uploadId string) string {
	return fmt.Sprintf("uploads/%s/", uploadId)
}

func ChunkKey(uploadId string, chunkNumber int) string {
	return fmt.Sprintf("uploads/%s/chunk_%05d.part", uploadId, chunkNumber)
}

func AssembledKey(uploadId string) string {
	return fmt.Sprintf("uploads/%s/assembled", uploadId)
}

// ChunkStore is the per-session scratch area. It knows key layout only.
type ChunkStore struct {
	storage store.FileStorage
}

func NewChunkStore(storage store.FileStorage) *ChunkStore {
	return &ChunkStore{storage: storage}
}

// Prepare claims the scratch area of a new session.
func (c *ChunkStore) Prepare(ctx context.Context, uploadId string) error {
	_, err := c.storage.Put(ctx, ScratchPrefix(uploadId)+sessionMarker, strings.NewReader(uploadId))
	return apperror.StorageIO("prepare scratch", err)
}

// WriteChunk stores r as chunk chunkNumber, replacing any previous payload.
func (c *ChunkStore) WriteChunk(ctx context.Context, uploadId string, chunkNumber int, r io.Reader) (int64, error) {
	n, err := c.storage.Put(ctx, ChunkKey(uploadId, chunkNumber), r)
	if err != nil {
		return 0, apperror.StorageIO(fmt.Sprintf("write chunk %d", chunkNumber), err)
	}
	return n, nil
}

func (c *ChunkStore) OpenChunk(ctx context.Context, uploadId string, chunkNumber int) (io.ReadCloser, error) {
	rc, err := c.storage.Get(ctx, ChunkKey(uploadId, chunkNumber))
	if err != nil {
		return nil, apperror.StorageIO(fmt.Sprintf("open chunk %d", chunkNumber), err)
	}
	return rc, nil
}

// UploadedBytes sums the stored sizes of the given chunks.
func (c *ChunkStore) UploadedBytes(ctx context.Context, uploadId string, chunkNumbers []int) (int64, error) {
	var total int64
	for _, n := range chunkNumbers {
		size, err := c.storage.Size(ctx, ChunkKey(uploadId, n))
		if err != nil {
			return 0, apperror.StorageIO(fmt.Sprintf("stat chunk %d", n), err)
		}
		total += size
	}
	return total, nil
}

func (c *ChunkStore) Cleanup(ctx context.Context, uploadId string) error {
	return apperror.StorageIO("delete scratch", c.storage.DeletePrefix(ctx, ScratchPrefix(uploadId)))
}
