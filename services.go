package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/handlers"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/locking"
	"github.com/Yulian302/lfusys-services-uploads/queues"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/hashicorp/go-multierror"
)

type Stores struct {
	sessions store.SessionStore
	variants store.VariantStore
	catalog  store.CatalogStore
	files    store.FileStorage
}

type Services struct {
	Sessions    services.SessionService
	Completions services.UploadCompletionService
	Attachments services.AttachmentService

	AttachRequests *queues.AttachRequestsReceiverImpl

	Stores          *Stores
	Locker          locking.Locker
	ReadinessChecks []health.ReadinessCheck

	Handler *handlers.HttpHandler
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(app *App) (*Services, error) {
	cfg := app.Config

	stores, checks, err := buildStores(app)
	if err != nil {
		return nil, err
	}

	var locker locking.Locker
	switch cfg.LockConfig.Backend {
	case config.LockBackendRedis:
		if app.Redis == nil {
			return nil, errors.New("could not init redis")
		}
		locker = locking.NewRedisLocker(app.Redis, cfg.LockConfig.TTL, cfg.LockConfig.Wait, app.Logger)
	default:
		locker = locking.NewMemoryLocker(cfg.LockConfig.Wait, app.Logger)
	}
	checks = append(checks, locker)

	var notifier services.Notifier = queues.NullNotifier{}
	if cfg.UploadNotificationsQueueURL != "" {
		notifier = queues.NewUploadsNotifierImpl(app.Sqs, cfg.UploadNotificationsQueueURL, app.Logger)
	}

	chunks := services.NewChunkStore(stores.files)
	assembler := services.NewAssembler(chunks, stores.files, app.Logger)
	generator := services.NewVariantGenerator(stores.files, stores.variants, cfg.Variants, app.Logger)

	sessSvc := services.NewSessionServiceImpl(stores.sessions, chunks, stores.files, locker, cfg.UploadConfig, app.Metrics, app.Logger)
	completionSvc := services.NewUploadCompletionServiceImpl(stores.sessions, chunks, assembler, generator, locker, notifier, app.Metrics, app.Logger)
	attachSvc := services.NewAttachmentServiceImpl(stores.catalog, stores.sessions, stores.variants, generator, locker, app.Metrics, app.Logger)

	var receiver *queues.AttachRequestsReceiverImpl
	if cfg.AttachRequestsQueueURL != "" {
		receiver = queues.NewAttachRequestsReceiverImpl(context.Background(), app.Sqs, attachSvc, cfg.AttachRequestsQueueURL, app.Logger)
	}

	handler := handlers.NewHttpHandler(sessSvc, completionSvc, attachSvc, app.Metrics.Handler(), cfg.DefaultChunkSize, app.Logger)

	return &Services{
		Sessions:    sessSvc,
		Completions: completionSvc,
		Attachments: attachSvc,

		AttachRequests: receiver,

		Stores:          stores,
		Locker:          locker,
		ReadinessChecks: checks,

		Handler: handler,
	}, nil
}

func buildStores(app *App) (*Stores, []health.ReadinessCheck, error) {
	cfg := app.Config
	stores := &Stores{}
	var checks []health.ReadinessCheck

	switch cfg.StoreBackend {
	case config.StoreBackendDynamoDB:
		if app.DynamoDB == nil {
			return nil, nil, errors.New("could not init dynamodb")
		}
		sessions := store.NewDynamoDbSessionStoreImpl(app.DynamoDB, cfg.UploadsTableName, cfg.VariantsTableName)
		variants := store.NewDynamoDbVariantStoreImpl(app.DynamoDB, cfg.VariantsTableName)
		catalog := store.NewDynamoDbCatalogStoreImpl(app.DynamoDB, cfg.CatalogTableName, cfg.VariantsTableName)
		stores.sessions, stores.variants, stores.catalog = sessions, variants, catalog
		checks = append(checks, sessions, variants, catalog)
	default:
		mem := store.NewMemoryStore()
		app.Logger.Warn("using in-memory records, state is lost on restart")
		stores.sessions, stores.variants, stores.catalog = mem, mem, mem
		checks = append(checks, mem)
	}

	switch cfg.StorageConfig.Backend {
	case config.StorageBackendS3:
		if app.S3 == nil {
			return nil, nil, errors.New("could not init s3")
		}
		stores.files = store.NewS3FileStorageImpl(app.S3, cfg.BucketName, app.Logger)
	default:
		local, err := store.NewLocalFileStorageImpl(cfg.LocalRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("init local storage: %w", err)
		}
		stores.files = local
	}
	checks = append(checks, stores.files)

	return stores, checks, nil
}

func (s *Services) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if s.AttachRequests != nil {
		if err := s.AttachRequests.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("attach requests receiver: %w", err))
		}
	}

	if s.Stores != nil {
		if err := s.Stores.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (s *Stores) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	shutdownIfPossible := func(name string, v any) {
		if sh, ok := v.(Shutdowner); ok {
			if err := sh.Shutdown(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s store: %w", name, err))
			}
		}
	}

	shutdownIfPossible("sessions", s.sessions)
	shutdownIfPossible("variants", s.variants)
	shutdownIfPossible("catalog", s.catalog)
	shutdownIfPossible("files", s.files)

	return result.ErrorOrNil()
}
