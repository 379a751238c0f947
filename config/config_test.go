package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", StoreBackendMemory)
	t.Setenv("STORAGE_ROOT", t.TempDir())

	cfg := LoadConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(1024*1024), cfg.DefaultChunkSize)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxUploadSize)
	assert.Equal(t, DefaultVariants(), cfg.Variants)
	assert.Equal(t, 5*time.Minute, cfg.LockConfig.TTL)
}

func TestLoadConfig_HumanSizes(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "2MiB")
	t.Setenv("MAX_UPLOAD_SIZE", "1g")
	t.Setenv("UPLOAD_VARIANTS", "large=1024, small=128")

	cfg := LoadConfig()

	assert.Equal(t, int64(2*1024*1024), cfg.DefaultChunkSize)
	assert.Equal(t, int64(1024*1024*1024), cfg.MaxUploadSize)
	assert.Equal(t, []VariantTarget{{Label: "small", Size: 128}, {Label: "large", Size: 1024}}, cfg.Variants)
}

func TestParseVariants_Errors(t *testing.T) {
	_, err := ParseVariants("thumb")
	assert.Error(t, err)

	_, err = ParseVariants("thumb=abc")
	assert.Error(t, err)
}

func TestUploadConfig_Validate(t *testing.T) {
	base := UploadConfig{DefaultChunkSize: 1, MaxUploadSize: 1}

	cases := map[string][]VariantTarget{
		"reserved label": {{Label: "original", Size: 10}},
		"zero size":      {{Label: "x", Size: 0}},
		"duplicate":      {{Label: "x", Size: 10}, {Label: "x", Size: 20}},
	}
	for name, variants := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			c.Variants = variants
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}

func TestConfig_ValidateBackends(t *testing.T) {
	cfg := LoadConfig()
	cfg.StoreBackend = StoreBackendMemory
	cfg.StorageConfig.Backend = StorageBackendS3
	cfg.BucketName = ""
	assert.Error(t, cfg.Validate())

	cfg.BucketName = "images"
	cfg.LockConfig.Backend = "zookeeper"
	assert.Error(t, cfg.Validate())
}
