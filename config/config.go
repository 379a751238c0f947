// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

const (
	StoreBackendDynamoDB = "dynamodb"
	StoreBackendMemory   = "memory"

	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"

	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

type AWSConfig struct {
	Region   string
	Endpoint string // e.g. http://localstack:4566
}

func (c AWSConfig) Validate() error {
	if c.Region == "" {
		return errors.New("aws region is required")
	}
	return nil
}

type DynamoDBConfig struct {
	UploadsTableName  string
	VariantsTableName string
	CatalogTableName  string
}

type StorageConfig struct {
	Backend    string
	LocalRoot  string
	BucketName string
}

type RedisConfig struct {
	HOST string
}

type LockConfig struct {
	Backend string
	TTL     time.Duration
	Wait    time.Duration
}

type QueueConfig struct {
	AttachRequestsQueueURL      string
	UploadNotificationsQueueURL string
}

// VariantTarget is one named downscale box of the variant catalog.
type VariantTarget struct {
	Label string
	Size  int
}

type UploadConfig struct {
	DefaultChunkSize int64
	MaxUploadSize    int64
	Variants         []VariantTarget
}

func (c UploadConfig) Validate() error {
	if c.DefaultChunkSize <= 0 {
		return errors.New("default chunk size must be positive")
	}
	if c.MaxUploadSize <= 0 {
		return errors.New("max upload size must be positive")
	}
	seen := make(map[string]struct{}, len(c.Variants))
	for _, v := range c.Variants {
		if v.Label == "" || v.Label == "original" {
			return fmt.Errorf("invalid variant label %q", v.Label)
		}
		if v.Size <= 0 {
			return fmt.Errorf("variant %s: size must be positive", v.Label)
		}
		if _, ok := seen[v.Label]; ok {
			return fmt.Errorf("duplicate variant label %q", v.Label)
		}
		seen[v.Label] = struct{}{}
	}
	return nil
}

type Config struct {
	Env            string
	HTTPAddr       string
	HealthGRPCAddr string
	Tracing        bool
	TracingAddr    string
	StoreBackend   string

	*AWSConfig
	DynamoDBConfig
	StorageConfig
	*RedisConfig
	LockConfig
	QueueConfig
	UploadConfig
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendDynamoDB:
		if err := c.AWSConfig.Validate(); err != nil {
			return err
		}
		if c.UploadsTableName == "" || c.VariantsTableName == "" || c.CatalogTableName == "" {
			return errors.New("dynamodb table names are required")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}

	switch c.StorageConfig.Backend {
	case StorageBackendLocal:
		if c.LocalRoot == "" {
			return errors.New("storage root is required for local storage")
		}
	case StorageBackendS3:
		if c.BucketName == "" {
			return errors.New("s3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageConfig.Backend)
	}

	switch c.LockConfig.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.RedisConfig == nil || c.RedisConfig.HOST == "" {
			return errors.New("redis host is required for redis locks")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockConfig.Backend)
	}

	return c.UploadConfig.Validate()
}

// LoadConfig reads the environment. Malformed values fall back to defaults;
// call Validate before use.
func LoadConfig() Config {
	return Config{
		Env:            getEnv("ENV", "dev"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		HealthGRPCAddr: getEnv("HEALTH_GRPC_ADDR", ":50052"),
		Tracing:        getEnv("TRACING", "false") == "true",
		TracingAddr:    getEnv("TRACING_ADDR", "localhost:4317"),
		StoreBackend:   getEnv("STORE_BACKEND", StoreBackendDynamoDB),

		AWSConfig: &AWSConfig{
			Region:   getEnv("AWS_REGION", "us-east-1"),
			Endpoint: os.Getenv("AWS_ENDPOINT_URL"),
		},
		DynamoDBConfig: DynamoDBConfig{
			UploadsTableName:  getEnv("UPLOADS_TABLE", "uploads"),
			VariantsTableName: getEnv("VARIANTS_TABLE", "image_variants"),
			CatalogTableName:  getEnv("CATALOG_TABLE", "catalog_items"),
		},
		StorageConfig: StorageConfig{
			Backend:    getEnv("STORAGE_BACKEND", StorageBackendLocal),
			LocalRoot:  getEnv("STORAGE_ROOT", "./data"),
			BucketName: os.Getenv("S3_BUCKET"),
		},
		RedisConfig: &RedisConfig{
			HOST: getEnv("REDIS_HOST", "localhost:6379"),
		},
		LockConfig: LockConfig{
			Backend: getEnv("LOCK_BACKEND", LockBackendMemory),
			TTL:     getDuration("LOCK_TTL", 5*time.Minute),
			Wait:    getDuration("LOCK_WAIT", 30*time.Second),
		},
		QueueConfig: QueueConfig{
			AttachRequestsQueueURL:      os.Getenv("ATTACH_REQUESTS_QUEUE_URL"),
			UploadNotificationsQueueURL: os.Getenv("UPLOAD_NOTIFICATIONS_QUEUE_URL"),
		},
		UploadConfig: UploadConfig{
			DefaultChunkSize: getSize("CHUNK_SIZE", 1024*1024),
			MaxUploadSize:    getSize("MAX_UPLOAD_SIZE", 50*1024*1024),
			Variants:         getVariants("UPLOAD_VARIANTS", DefaultVariants()),
		},
	}
}

func DefaultVariants() []VariantTarget {
	return []VariantTarget{
		{Label: "thumb_256", Size: 256},
		{Label: "medium_512", Size: 512},
		{Label: "large_1024", Size: 1024},
	}
}

// ParseVariants parses "label=size,label=size". Entries are ordered by size
// then label so the catalog order is stable regardless of input order.
func ParseVariants(raw string) ([]VariantTarget, error) {
	var out []VariantTarget
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, size, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("variant %q: expected label=size", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(size))
		if err != nil {
			return nil, fmt.Errorf("variant %q: %w", part, err)
		}
		out = append(out, VariantTarget{Label: strings.TrimSpace(label), Size: n})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size < out[j].Size
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getSize(k string, def int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getVariants(k string, def []VariantTarget) []VariantTarget {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	parsed, err := ParseVariants(v)
	if err != nil {
		return def
	}
	return parsed
}
