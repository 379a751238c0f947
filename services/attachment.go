package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/locking"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/metrics"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

type AttachmentService interface {
	Attach(ctx context.Context, sku string, uploadId string) (*models.AttachResult, error)
}

type AttachmentServiceImpl struct {
	catalogStore store.CatalogStore
	sessionStore store.SessionStore
	variantStore store.VariantStore
	generator    *VariantGenerator
	locker       locking.Locker

	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewAttachmentServiceImpl(
	catalogStore store.CatalogStore,
	sessionStore store.SessionStore,
	variantStore store.VariantStore,
	generator *VariantGenerator,
	locker locking.Locker,
	m *metrics.Metrics,
	l logging.Logger,
) *AttachmentServiceImpl {
	return &AttachmentServiceImpl{
		catalogStore: catalogStore,
		sessionStore: sessionStore,
		variantStore: variantStore,
		generator:    generator,
		locker:       locker,
		metrics:      m,
		logger:       l,
	}
}

// Attach makes the original of uploadId the primary image of the catalog
// item sku and re-parents every variant of the upload onto it.
func (svc *AttachmentServiceImpl) Attach(ctx context.Context, sku string, uploadId string) (*models.AttachResult, error) {
	res, err := svc.attach(ctx, models.NormalizeSku(sku), strings.TrimSpace(uploadId))
	switch {
	case err != nil:
		svc.metrics.Attachments.WithLabelValues("error").Inc()
	case res.unchanged:
		svc.metrics.Attachments.WithLabelValues("noop").Inc()
	default:
		svc.metrics.Attachments.WithLabelValues("attached").Inc()
	}
	if err != nil {
		return nil, err
	}
	return res.AttachResult, nil
}

type attachOutcome struct {
	*models.AttachResult
	unchanged bool
}

func (svc *AttachmentServiceImpl) attach(ctx context.Context, sku string, uploadId string) (*attachOutcome, error) {
	if sku == "" || uploadId == "" {
		return nil, fmt.Errorf("%w: sku and upload id are required", apperror.ErrInvalidShape)
	}

	// Catalog first, then session, everywhere.
	releaseCatalog, err := svc.locker.Acquire(ctx, locking.CatalogKey(sku))
	if err != nil {
		return nil, err
	}
	defer releaseCatalog()

	releaseSession, err := svc.locker.Acquire(ctx, locking.SessionKey(uploadId))
	if err != nil {
		return nil, err
	}
	defer releaseSession()

	item, err := svc.catalogStore.GetItem(ctx, sku)
	if err != nil {
		return nil, err
	}

	session, err := svc.sessionStore.GetSession(ctx, uploadId)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", apperror.ErrUploadNotReady, err)
	}
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: upload is %s", apperror.ErrUploadNotReady, session.Status)
	}

	original, err := svc.ensureOriginal(ctx, session)
	if err != nil {
		return nil, err
	}

	if item.PrimaryImage != nil && item.PrimaryImage.SessionId == uploadId {
		svc.logger.Info("image already attached", "sku", sku, "upload_id", uploadId)
		original.OwnerKind, original.OwnerId = models.OwnerCatalogItem, sku
		return &attachOutcome{
			AttachResult: &models.AttachResult{Sku: sku, PrimaryImage: original},
			unchanged:    true,
		}, nil
	}

	if err := svc.catalogStore.AttachSession(ctx, sku, uploadId); err != nil {
		svc.logger.Error("failed to attach image", "sku", sku, "upload_id", uploadId, "error", err)
		if errors.Is(err, apperror.ErrNotFound) || errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		return nil, apperror.StorageIO("attach", err)
	}

	previous := ""
	if item.PrimaryImage != nil {
		previous = item.PrimaryImage.SessionId
	}
	svc.logger.Info("image attached", "sku", sku, "upload_id", uploadId, "previous_upload_id", previous)

	original.OwnerKind, original.OwnerId = models.OwnerCatalogItem, sku
	return &attachOutcome{
		AttachResult: &models.AttachResult{Sku: sku, PrimaryImage: original},
	}, nil
}

// ensureOriginal returns the original variant of session, regenerating all
// variants from the recorded original image when the row is missing.
func (svc *AttachmentServiceImpl) ensureOriginal(ctx context.Context, session *models.UploadSession) (*models.ImageVariant, error) {
	variants, err := svc.variantStore.ListVariants(ctx, session.UploadId)
	if err != nil {
		return nil, apperror.StorageIO("list variants", err)
	}
	for _, v := range variants {
		if v.Label == models.VariantOriginal {
			return &v, nil
		}
	}

	source := session.Metadata[models.MetadataOriginalPath]
	if source == "" {
		return nil, fmt.Errorf("%w: no original image recorded", apperror.ErrUploadNotReady)
	}

	svc.logger.Warn("original variant missing, regenerating", "upload_id", session.UploadId, "source", source)
	generated, err := svc.generator.Generate(ctx, session.UploadId, source)
	if err != nil {
		return nil, err
	}
	original := generated[models.VariantOriginal]
	return &original, nil
}
