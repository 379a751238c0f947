package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

type Assembly struct {
	Key      string
	Size     int64
	Checksum string
}

type Assembler struct {
	chunks  *ChunkStore
	storage store.FileStorage

	logger logging.Logger
}

func NewAssembler(chunks *ChunkStore, storage store.FileStorage, l logging.Logger) *Assembler {
	return &Assembler{
		chunks:  chunks,
		storage: storage,
		logger:  l,
	}
}

// Assemble concatenates chunks 1..TotalChunks into the assembled object and
// hashes the stream on the way through.
func (a *Assembler) Assemble(ctx context.Context, session *models.UploadSession) (*Assembly, error) {
	uploadId := session.UploadId
	key := AssembledKey(uploadId)

	pr, pw := io.Pipe()
	hasher := sha256.New()
	streamErr := make(chan error, 1)

	go func() {
		w := io.MultiWriter(pw, hasher)
		for n := 1; n <= session.TotalChunks; n++ {
			if err := a.copyChunk(ctx, w, uploadId, n); err != nil {
				pw.CloseWithError(err)
				streamErr <- err
				return
			}
		}
		pw.Close()
		streamErr <- nil
	}()

	a.logger.Info("assembling upload", "upload_id", uploadId, "chunks", session.TotalChunks)

	size, putErr := a.storage.Put(ctx, key, pr)
	// unblocks the writer if Put gave up early
	pr.CloseWithError(io.ErrClosedPipe)

	// A failed stream surfaces through Put as a read error.
	err := <-streamErr
	if putErr != nil {
		a.logger.Error("failed to write assembled file", "upload_id", uploadId, "error", putErr)
		return nil, apperror.StorageIO("assemble", putErr)
	}
	if err != nil {
		a.logger.Error("failed to stream chunks", "upload_id", uploadId, "error", err)
		return nil, apperror.StorageIO("assemble", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	a.logger.Info("upload assembled", "upload_id", uploadId, "size", size, "checksum", checksum)

	return &Assembly{
		Key:      key,
		Size:     size,
		Checksum: checksum,
	}, nil
}

func (a *Assembler) copyChunk(ctx context.Context, w io.Writer, uploadId string, n int) error {
	rc, err := a.chunks.OpenChunk(ctx, uploadId, n)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("copy chunk %d: %w", n, err)
	}
	return nil
}
