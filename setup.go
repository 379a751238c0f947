package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/metrics"
	"github.com/Yulian302/lfusys-services-uploads/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "uploads"

type App struct {
	HttpServer   *http.Server
	Server       *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Redis    *redis.Client
	Sqs      *sqs.Client

	Config    config.Config
	AwsConfig aws.Config

	Metrics        *metrics.Metrics
	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logging.Logger

	cancel context.CancelFunc
}

func SetupApp() (*App, error) {
	cfg := config.LoadConfig()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &App{
		Config:  cfg,
		Metrics: metrics.New(reg),
		Logger:  appLogger,
	}

	if needsAWS(cfg) {
		awsCfg, err := initAWS(*cfg.AWSConfig)
		if err != nil {
			return nil, err
		}
		app.AwsConfig = awsCfg

		if cfg.StoreBackend == config.StoreBackendDynamoDB {
			app.DynamoDB = initDynamo(awsCfg, cfg.AWSConfig.Endpoint)
		}
		if cfg.StorageConfig.Backend == config.StorageBackendS3 {
			app.S3 = initS3(awsCfg, cfg.AWSConfig.Endpoint)
		}
		if cfg.AttachRequestsQueueURL != "" || cfg.UploadNotificationsQueueURL != "" {
			app.Sqs = initSqs(awsCfg, cfg.AWSConfig.Endpoint)
		}
	}

	if cfg.LockConfig.Backend == config.LockBackendRedis {
		app.Redis = initRedis(*cfg.RedisConfig)
	}

	if app.Config.Tracing {
		tp, err := tracing.InitTracer(context.Background(), serviceName, cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)

		app.TracerProvider = tp
	}

	services, err := BuildServices(app)
	if err != nil {
		return nil, err
	}
	app.Services = services

	return app, nil
}

func needsAWS(cfg config.Config) bool {
	return cfg.StoreBackend == config.StoreBackendDynamoDB ||
		cfg.StorageConfig.Backend == config.StorageBackendS3 ||
		cfg.AttachRequestsQueueURL != "" ||
		cfg.UploadNotificationsQueueURL != ""
}

// Run serves the HTTP API and the gRPC health endpoint until either stops.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.Server = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.createHealthServer(ctx)

	l, err := net.Listen("tcp", a.Config.HealthGRPCAddr)
	if err != nil {
		return err
	}

	a.HttpServer = &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           otelhttp.NewHandler(a.Services.Handler.Router(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.Services.AttachRequests != nil {
		a.Services.AttachRequests.Start()
	}

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info("health server started", "addr", a.Config.HealthGRPCAddr)
		errCh <- a.Server.Serve(l)
	}()
	go func() {
		a.Logger.Info("http server started", "addr", a.Config.HTTPAddr)
		if err := a.HttpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	return <-errCh
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.Server, a.HealthServer)

	checks := a.Services.ReadinessChecks

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.HealthServer.SetServingStatus("", a.readiness(ctx, checks))
			}
		}
	}()
}

func (a *App) readiness(ctx context.Context, checks []health.ReadinessCheck) healthpb.HealthCheckResponse_ServingStatus {
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := c.IsReady(cctx)
		cancel()

		if err != nil {
			a.Logger.Warn("dependency not ready", "check", c.Name(), "error", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

func initAWS(cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initDynamo(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initS3(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.HOST,
		Password: "",
		DB:       0,
	})
}

func initSqs(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	var result *multierror.Error

	if a.cancel != nil {
		a.cancel()
	}

	if a.HttpServer != nil {
		if err := a.HttpServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http server: %w", err))
		}
	}

	if a.Server != nil {
		done := make(chan struct{})
		go func() {
			a.Server.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.Server.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis close: %w", err))
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("tracer shutdown: %w", err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		a.Logger.Error("graceful shutdown finished with errors", "error", err)
		return err
	}
	a.Logger.Info("graceful shutdown complete")
	return nil
}
