package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/locking"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/metrics"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/Yulian302/lfusys-services-uploads/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifier announces finished uploads to downstream consumers.
type Notifier interface {
	PublishUploadCompleted(ctx context.Context, event models.UploadCompletedEvent) error
}

type UploadCompletionService interface {
	CompleteUpload(ctx context.Context, uploadId string, checksum string) (*models.UploadSession, error)
}

type UploadCompletionServiceImpl struct {
	sessionStore store.SessionStore
	chunks       *ChunkStore
	assembler    *Assembler
	generator    *VariantGenerator
	locker       locking.Locker
	notifier     Notifier

	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewUploadCompletionServiceImpl(
	sessionStore store.SessionStore,
	chunks *ChunkStore,
	assembler *Assembler,
	generator *VariantGenerator,
	locker locking.Locker,
	notifier Notifier,
	m *metrics.Metrics,
	l logging.Logger,
) *UploadCompletionServiceImpl {
	return &UploadCompletionServiceImpl{
		sessionStore: sessionStore,
		chunks:       chunks,
		assembler:    assembler,
		generator:    generator,
		locker:       locker,
		notifier:     notifier,
		metrics:      m,
		logger:       l,
	}
}

// CompleteUpload assembles, verifies and derives variants for a fully
// uploaded session. Calling it again on a completed session returns the
// session unchanged. Storage failures leave the session processing so the
// call can be retried.
func (svc *UploadCompletionServiceImpl) CompleteUpload(ctx context.Context, uploadId string, checksum string) (*models.UploadSession, error) {
	ctx, span := tracing.Tracer().Start(ctx, "CompleteUpload", trace.WithAttributes(
		attribute.String("upload_id", uploadId),
	))
	defer span.End()

	session, err := svc.complete(ctx, uploadId, checksum)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		svc.metrics.Completions.WithLabelValues(completionResult(err)).Inc()
		return nil, err
	}
	return session, nil
}

func (svc *UploadCompletionServiceImpl) complete(ctx context.Context, uploadId string, checksum string) (*models.UploadSession, error) {
	if checksum != "" && !IsChecksum(checksum) {
		return nil, fmt.Errorf("%w: checksum must be a hex encoded sha256", apperror.ErrInvalidShape)
	}

	release, err := svc.locker.Acquire(ctx, locking.SessionKey(uploadId))
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := svc.sessionStore.GetSession(ctx, uploadId)
	if err != nil {
		return nil, err
	}

	if session.Status == models.StatusCompleted {
		svc.logger.Info("upload already completed", "upload_id", uploadId)
		svc.metrics.Completions.WithLabelValues("noop").Inc()
		return session, nil
	}
	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: upload is %s, start a new session", apperror.ErrInvalidState, session.Status)
	}

	if !session.IsFullyUploaded() {
		return nil, fmt.Errorf("%w: missing chunks %v", apperror.ErrIncompleteUpload, session.MissingChunks())
	}
	if session.Status != models.StatusProcessing {
		if err := session.TransitionTo(models.StatusProcessing); err != nil {
			return nil, err
		}
	}

	svc.logger.Info("upload completion started", "upload_id", uploadId)

	started := time.Now()
	_, asmSpan := tracing.Tracer().Start(ctx, "Assemble")
	assembly, err := svc.assembler.Assemble(ctx, session)
	asmSpan.End()
	if err != nil {
		return nil, err
	}
	svc.metrics.AssemblyDuration.Observe(time.Since(started).Seconds())
	svc.metrics.AssembledBytes.Observe(float64(assembly.Size))

	if assembly.Size != session.TotalSize {
		return nil, svc.fail(ctx, session, fmt.Errorf("%w: assembled %d bytes, declared %d",
			apperror.ErrSizeMismatch, assembly.Size, session.TotalSize))
	}

	for _, declared := range []string{session.Checksum, checksum} {
		if declared != "" && !checksumsEqual(declared, assembly.Checksum) {
			return nil, svc.fail(ctx, session, fmt.Errorf("%w: declared %s, computed %s",
				apperror.ErrChecksumMismatch, strings.ToLower(declared), assembly.Checksum))
		}
	}
	session.Checksum = assembly.Checksum

	started = time.Now()
	genCtx, genSpan := tracing.Tracer().Start(ctx, "GenerateVariants")
	variants, err := svc.generator.Generate(genCtx, uploadId, assembly.Key)
	genSpan.End()
	if errors.Is(err, apperror.ErrUnsupportedImageFormat) {
		return nil, svc.fail(ctx, session, err)
	}
	if err != nil {
		svc.logger.Error("variant generation failed", "upload_id", uploadId, "error", err)
		return nil, err
	}
	svc.metrics.VariantDuration.Observe(time.Since(started).Seconds())

	if err := session.TransitionTo(models.StatusCompleted); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	session.CompletedAt = &now
	session.UpdatedAt = now
	if session.Metadata == nil {
		session.Metadata = map[string]string{}
	}
	session.Metadata[models.MetadataOriginalPath] = variants[models.VariantOriginal].Path

	if err := svc.sessionStore.UpdateSession(ctx, session); err != nil {
		svc.logger.Error("failed to mark upload completed", "upload_id", uploadId, "error", err)
		return nil, apperror.StorageIO("complete session", err)
	}

	// Scratch is only reclaimable once completion is durable.
	if err := svc.chunks.Cleanup(ctx, uploadId); err != nil {
		svc.logger.Warn("failed to clean scratch", "upload_id", uploadId, "error", err)
	}

	svc.publish(ctx, session, variants)

	svc.metrics.Completions.WithLabelValues("completed").Inc()
	svc.logger.Info("upload completed successfully", "upload_id", uploadId, "checksum", session.Checksum)
	return session, nil
}

// fail marks the session failed and returns cause. Failed sessions cannot be
// retried, so their scratch is released too.
func (svc *UploadCompletionServiceImpl) fail(ctx context.Context, session *models.UploadSession, cause error) error {
	svc.logger.Warn("upload failed", "upload_id", session.UploadId, "error", cause)

	if err := session.TransitionTo(models.StatusFailed); err != nil {
		return errors.Join(cause, err)
	}
	session.UpdatedAt = time.Now().UTC()
	if err := svc.sessionStore.UpdateSession(ctx, session); err != nil {
		svc.logger.Error("failed to mark upload failed", "upload_id", session.UploadId, "error", err)
		return errors.Join(cause, apperror.StorageIO("fail session", err))
	}

	if err := svc.chunks.Cleanup(ctx, session.UploadId); err != nil {
		svc.logger.Warn("failed to clean scratch", "upload_id", session.UploadId, "error", err)
	}
	return cause
}

func (svc *UploadCompletionServiceImpl) publish(ctx context.Context, session *models.UploadSession, variants map[models.VariantLabel]models.ImageVariant) {
	event := models.UploadCompletedEvent{
		UploadId: session.UploadId,
		Checksum: session.Checksum,
		Variants: make(map[models.VariantLabel]models.VariantEntry, len(variants)),
	}
	for label, v := range variants {
		event.Variants[label] = models.VariantEntry{Path: v.Path, Width: v.Width, Height: v.Height}
	}

	if err := svc.notifier.PublishUploadCompleted(ctx, event); err != nil {
		svc.logger.Error("failed to publish upload completion", "upload_id", session.UploadId, "error", err)
	}
}

// checksumsEqual compares hex digests case-insensitively in constant time.
func checksumsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

func completionResult(err error) string {
	switch {
	case errors.Is(err, apperror.ErrChecksumMismatch),
		errors.Is(err, apperror.ErrSizeMismatch),
		errors.Is(err, apperror.ErrUnsupportedImageFormat):
		return "failed"
	case apperror.IsValidation(err), errors.Is(err, apperror.ErrIncompleteUpload):
		return "rejected"
	default:
		return "error"
	}
}
