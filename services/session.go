package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/locking"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/metrics"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

type SessionService interface {
	Initialize(ctx context.Context, req models.InitializeRequest) (*models.UploadSession, error)
	RecordChunk(ctx context.Context, uploadId string, chunkNumber int, payload io.Reader) (*models.UploadSession, error)
	ResumeInfo(ctx context.Context, uploadId string) (*models.ResumeInfo, error)
	GetSession(ctx context.Context, uploadId string) (*models.UploadSession, error)
	Cancel(ctx context.Context, uploadId string) error
}

type SessionServiceImpl struct {
	sessionStore store.SessionStore
	chunks       *ChunkStore
	fileStorage  store.FileStorage
	locker       locking.Locker
	cfg          config.UploadConfig

	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewSessionServiceImpl(
	sessionStore store.SessionStore,
	chunks *ChunkStore,
	fileStorage store.FileStorage,
	locker locking.Locker,
	cfg config.UploadConfig,
	m *metrics.Metrics,
	l logging.Logger,
) *SessionServiceImpl {
	return &SessionServiceImpl{
		sessionStore: sessionStore,
		chunks:       chunks,
		fileStorage:  fileStorage,
		locker:       locker,
		cfg:          cfg,
		metrics:      m,
		logger:       l,
	}
}

func (svc *SessionServiceImpl) Initialize(ctx context.Context, req models.InitializeRequest) (*models.UploadSession, error) {
	if err := svc.validateShape(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &models.UploadSession{
		UploadId:         uuid.NewString(),
		OriginalFilename: req.OriginalFilename,
		MimeType:         req.MimeType,
		TotalSize:        req.TotalSize,
		ChunkSize:        req.ChunkSize,
		TotalChunks:      req.TotalChunks,
		CompletedChunks:  []int{},
		Status:           models.StatusPending,
		Checksum:         strings.ToLower(req.Checksum),
		Metadata:         map[string]string{},
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if ext := strings.TrimPrefix(path.Ext(req.OriginalFilename), "."); ext != "" {
		session.Metadata[models.MetadataExtension] = strings.ToLower(ext)
	}

	if err := svc.chunks.Prepare(ctx, session.UploadId); err != nil {
		svc.logger.Error("failed to prepare scratch", "upload_id", session.UploadId, "error", err)
		return nil, err
	}

	if err := svc.sessionStore.CreateSession(ctx, session); err != nil {
		svc.logger.Error("failed to create upload session", "upload_id", session.UploadId, "error", err)
		if cerr := svc.chunks.Cleanup(ctx, session.UploadId); cerr != nil {
			svc.logger.Warn("failed to release scratch", "upload_id", session.UploadId, "error", cerr)
		}
		return nil, apperror.StorageIO("create session", err)
	}

	svc.metrics.SessionsInitialized.Inc()
	svc.logger.Info("upload session initialized",
		"upload_id", session.UploadId,
		"total_size", session.TotalSize,
		"total_chunks", session.TotalChunks,
	)
	return session, nil
}

func (svc *SessionServiceImpl) validateShape(req models.InitializeRequest) error {
	switch {
	case req.TotalSize <= 0:
		return fmt.Errorf("%w: total_size must be positive", apperror.ErrInvalidShape)
	case req.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size must be positive", apperror.ErrInvalidShape)
	case req.TotalChunks <= 0:
		return fmt.Errorf("%w: total_chunks must be positive", apperror.ErrInvalidShape)
	case svc.cfg.MaxUploadSize > 0 && req.TotalSize > svc.cfg.MaxUploadSize:
		return fmt.Errorf("%w: total_size exceeds limit of %d bytes", apperror.ErrInvalidShape, svc.cfg.MaxUploadSize)
	case svc.cfg.MaxUploadSize > 0 && req.ChunkSize > svc.cfg.MaxUploadSize:
		return fmt.Errorf("%w: chunk_size exceeds limit of %d bytes", apperror.ErrInvalidShape, svc.cfg.MaxUploadSize)
	case int64(req.TotalChunks) > req.TotalSize:
		// every chunk carries at least one byte
		return fmt.Errorf("%w: %d chunks cannot hold %d bytes", apperror.ErrInvalidShape, req.TotalChunks, req.TotalSize)
	case req.Checksum != "" && !IsChecksum(req.Checksum):
		return fmt.Errorf("%w: checksum must be a hex encoded sha256", apperror.ErrInvalidShape)
	}
	return nil
}

func (svc *SessionServiceImpl) RecordChunk(ctx context.Context, uploadId string, chunkNumber int, payload io.Reader) (*models.UploadSession, error) {
	release, err := svc.locker.Acquire(ctx, locking.SessionKey(uploadId))
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := svc.sessionStore.GetSession(ctx, uploadId)
	if err != nil {
		return nil, err
	}

	if chunkNumber < 1 || chunkNumber > session.TotalChunks {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", apperror.ErrOutOfRange, chunkNumber, session.TotalChunks)
	}
	if !session.Status.AcceptsChunks() {
		return nil, fmt.Errorf("%w: session is %s", apperror.ErrInvalidState, session.Status)
	}

	// One extra byte tells an oversized payload apart from an exact fit.
	data, err := io.ReadAll(io.LimitReader(payload, session.ChunkSize+1))
	if err != nil {
		return nil, fmt.Errorf("read chunk payload: %w", err)
	}
	if len(data) == 0 {
		return nil, apperror.ErrEmptyChunk
	}
	if int64(len(data)) > session.ChunkSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", apperror.ErrChunkTooLarge, session.ChunkSize)
	}

	written, err := svc.chunks.WriteChunk(ctx, uploadId, chunkNumber, bytes.NewReader(data))
	if err != nil {
		svc.logger.Error("failed to write chunk", "upload_id", uploadId, "chunk", chunkNumber, "error", err)
		return nil, err
	}

	session.AddCompletedChunk(chunkNumber)
	uploaded, err := svc.chunks.UploadedBytes(ctx, uploadId, session.CompletedChunks)
	if err != nil {
		return nil, err
	}
	session.UploadedSize = uploaded

	next := models.StatusUploading
	if session.IsFullyUploaded() {
		next = models.StatusProcessing
	}
	if err := session.TransitionTo(next); err != nil {
		return nil, err
	}
	session.UpdatedAt = time.Now().UTC()

	if err := svc.sessionStore.UpdateSession(ctx, session); err != nil {
		svc.logger.Error("failed to update session", "upload_id", uploadId, "error", err)
		if errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		return nil, apperror.StorageIO("update session", err)
	}

	svc.metrics.ChunksReceived.Inc()
	svc.metrics.ChunkBytes.Add(float64(written))
	svc.logger.Debug("chunk recorded",
		"upload_id", uploadId,
		"chunk", chunkNumber,
		"completed", len(session.CompletedChunks),
		"status", session.Status,
	)
	return session, nil
}

func (svc *SessionServiceImpl) ResumeInfo(ctx context.Context, uploadId string) (*models.ResumeInfo, error) {
	session, err := svc.sessionStore.GetSession(ctx, uploadId)
	if err != nil {
		return nil, err
	}

	completed := session.CompletedChunks
	if completed == nil {
		completed = []int{}
	}
	return &models.ResumeInfo{
		CompletedChunks: completed,
		MissingChunks:   session.MissingChunks(),
		Status:          session.Status,
		UploadedSize:    session.UploadedSize,
		TotalSize:       session.TotalSize,
	}, nil
}

func (svc *SessionServiceImpl) GetSession(ctx context.Context, uploadId string) (*models.UploadSession, error) {
	return svc.sessionStore.GetSession(ctx, uploadId)
}

// Cancel erases a session that has not completed. Stored objects go first;
// the record is only removed once nothing is left behind.
func (svc *SessionServiceImpl) Cancel(ctx context.Context, uploadId string) error {
	release, err := svc.locker.Acquire(ctx, locking.SessionKey(uploadId))
	if err != nil {
		return err
	}
	defer release()

	session, err := svc.sessionStore.GetSession(ctx, uploadId)
	if errors.Is(err, apperror.ErrNotFound) {
		svc.logger.Debug("cancel for unknown session", "upload_id", uploadId)
		return nil
	}
	if err != nil {
		return err
	}
	if session.Status == models.StatusCompleted {
		return fmt.Errorf("%w: completed uploads cannot be cancelled", apperror.ErrInvalidState)
	}

	var result *multierror.Error
	if err := svc.chunks.Cleanup(ctx, uploadId); err != nil {
		result = multierror.Append(result, err)
	}
	if err := svc.fileStorage.DeletePrefix(ctx, ImagesPrefix(uploadId)); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		svc.logger.Error("failed to delete upload objects", "upload_id", uploadId, "error", err)
		return apperror.StorageIO("cancel", err)
	}

	if err := svc.sessionStore.DeleteSession(ctx, uploadId); err != nil {
		svc.logger.Error("failed to delete upload session", "upload_id", uploadId, "error", err)
		return apperror.StorageIO("delete session", err)
	}

	svc.metrics.Cancellations.Inc()
	svc.logger.Info("upload cancelled", "upload_id", uploadId, "status", session.Status)
	return nil
}

func IsChecksum(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
