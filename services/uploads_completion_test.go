package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemble_OrderIndependent(t *testing.T) {
	f := newFixture(t)
	data := filler(25)
	ctx := context.Background()

	inOrder := f.initialize(t, data, 10, "")
	inOrder = f.send(t, inOrder.UploadId, data, 10, 1, 2, 3)
	shuffled := f.initialize(t, data, 10, "")
	shuffled = f.send(t, shuffled.UploadId, data, 10, 3, 1, 2)

	a, err := f.assembler.Assemble(ctx, inOrder)
	require.NoError(t, err)
	b, err := f.assembler.Assemble(ctx, shuffled)
	require.NoError(t, err)

	assert.Equal(t, data, f.read(t, a.Key))
	assert.Equal(t, f.read(t, a.Key), f.read(t, b.Key))
	assert.Equal(t, sha256Hex(data), a.Checksum)
	assert.Equal(t, a.Checksum, b.Checksum)
	assert.Equal(t, int64(25), b.Size)
}

func TestAssemble_MissingChunkIsStorageIO(t *testing.T) {
	f := newFixture(t)
	data := filler(25)
	s := f.initialize(t, data, 10, "")
	s = f.send(t, s.UploadId, data, 10, 1, 2, 3)
	require.NoError(t, f.storage.Delete(context.Background(), ChunkKey(s.UploadId, 2)))

	_, err := f.assembler.Assemble(context.Background(), s)
	assert.ErrorIs(t, err, apperror.ErrStorageIO)
}

func TestCompleteUpload_Succeeds(t *testing.T) {
	f := newFixture(t)
	img := pngImage(t, 600, 300, false)
	s := f.upload(t, img, 1024)

	s, err := f.completion.CompleteUpload(context.Background(), s.UploadId, "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, s.Status)
	assert.Equal(t, sha256Hex(img), s.Checksum)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, VariantKey(s.UploadId, models.VariantOriginal, "png"), s.Metadata[models.MetadataOriginalPath])

	assert.False(t, f.exists(t, ChunkKey(s.UploadId, 1)))
	assert.False(t, f.exists(t, AssembledKey(s.UploadId)))
	assert.Equal(t, img, f.read(t, s.Metadata[models.MetadataOriginalPath]))

	variants, err := f.records.ListVariants(context.Background(), s.UploadId)
	require.NoError(t, err)
	assert.Len(t, variants, 4)

	require.Equal(t, 1, f.notifier.count())
	event := f.notifier.events[0]
	assert.Equal(t, s.UploadId, event.UploadId)
	assert.Equal(t, s.Checksum, event.Checksum)
	assert.Equal(t, models.VariantEntry{
		Path:   VariantKey(s.UploadId, "thumb_256", "png"),
		Width:  256,
		Height: 128,
	}, event.Variants["thumb_256"])
}

func TestCompleteUpload_Idempotent(t *testing.T) {
	f := newFixture(t)
	s := f.completed(t, pngImage(t, 64, 32, false))

	again, err := f.completion.CompleteUpload(context.Background(), s.UploadId, "")
	require.NoError(t, err)

	assert.Equal(t, s.Version, again.Version)
	assert.Equal(t, s.Checksum, again.Checksum)
	assert.Equal(t, 1, f.notifier.count())
}

func TestCompleteUpload_ChecksumEnforced(t *testing.T) {
	img := pngImage(t, 64, 32, false)
	digest := sha256Hex(img)
	wrong := strings.Repeat("0", 64)

	t.Run("mismatch at completion fails the session", func(t *testing.T) {
		f := newFixture(t)
		s := f.upload(t, img, 1024)

		_, err := f.completion.CompleteUpload(context.Background(), s.UploadId, wrong)
		assert.ErrorIs(t, err, apperror.ErrChecksumMismatch)

		got, err := f.sessions.GetSession(context.Background(), s.UploadId)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)

		_, err = f.completion.CompleteUpload(context.Background(), s.UploadId, digest)
		assert.ErrorIs(t, err, apperror.ErrInvalidState)

		variants, err := f.records.ListVariants(context.Background(), s.UploadId)
		require.NoError(t, err)
		assert.Empty(t, variants)
	})

	t.Run("mismatch declared at initialization", func(t *testing.T) {
		f := newFixture(t)
		s := f.initialize(t, img, 1024, wrong)
		f.send(t, s.UploadId, img, 1024, allChunks(s)...)

		_, err := f.completion.CompleteUpload(context.Background(), s.UploadId, "")
		assert.ErrorIs(t, err, apperror.ErrChecksumMismatch)
	})

	t.Run("matching checksum in upper case", func(t *testing.T) {
		f := newFixture(t)
		s := f.upload(t, img, 1024)

		s, err := f.completion.CompleteUpload(context.Background(), s.UploadId, strings.ToUpper(digest))
		require.NoError(t, err)
		assert.Equal(t, digest, s.Checksum)
	})

	t.Run("no checksum records the computed one", func(t *testing.T) {
		f := newFixture(t)
		s := f.completed(t, img)
		assert.Equal(t, digest, s.Checksum)
	})
}

func TestCompleteUpload_Incomplete(t *testing.T) {
	f := newFixture(t)
	data := filler(25)
	s := f.initialize(t, data, 10, "")
	s = f.send(t, s.UploadId, data, 10, 1, 3)

	_, err := f.completion.CompleteUpload(context.Background(), s.UploadId, "")
	assert.ErrorIs(t, err, apperror.ErrIncompleteUpload)

	got, err := f.sessions.GetSession(context.Background(), s.UploadId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, got.Status)
	assert.Equal(t, s.Version, got.Version)
}

func TestCompleteUpload_SizeMismatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.sessions.Initialize(ctx, models.InitializeRequest{
		TotalSize:   20,
		ChunkSize:   10,
		TotalChunks: 2,
	})
	require.NoError(t, err)
	f.send(t, s.UploadId, filler(15), 10, 1, 2)

	_, err = f.completion.CompleteUpload(ctx, s.UploadId, "")
	assert.ErrorIs(t, err, apperror.ErrSizeMismatch)

	got, err := f.sessions.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestCompleteUpload_UnsupportedFormatFails(t *testing.T) {
	f := newFixture(t)
	s := f.upload(t, filler(25), 10)

	_, err := f.completion.CompleteUpload(context.Background(), s.UploadId, "")
	assert.ErrorIs(t, err, apperror.ErrUnsupportedImageFormat)

	got, err := f.sessions.GetSession(context.Background(), s.UploadId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	variants, err := f.records.ListVariants(context.Background(), s.UploadId)
	require.NoError(t, err)
	assert.Empty(t, variants)
	assert.False(t, f.exists(t, VariantKey(s.UploadId, models.VariantOriginal, "png")))
	assert.Zero(t, f.notifier.count())
}

func TestCompleteUpload_StorageFailureKeepsProcessing(t *testing.T) {
	f := newFixture(t)
	img := pngImage(t, 64, 32, false)
	s := f.upload(t, img, 1024)

	f.storage.setFailPut(func(key string) bool { return strings.HasPrefix(key, "images/") })
	_, err := f.completion.CompleteUpload(context.Background(), s.UploadId, "")
	assert.ErrorIs(t, err, apperror.ErrStorageIO)

	got, err := f.sessions.GetSession(context.Background(), s.UploadId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.True(t, f.exists(t, ChunkKey(s.UploadId, 1)))

	f.storage.setFailPut(nil)
	got, err = f.completion.CompleteUpload(context.Background(), s.UploadId, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestCompleteUpload_ConcurrentCallsAssembleOnce(t *testing.T) {
	f := newFixture(t)
	s := f.upload(t, pngImage(t, 120, 80, false), 1024)

	var wg sync.WaitGroup
	results := make([]*models.UploadSession, 6)
	errs := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.completion.CompleteUpload(context.Background(), s.UploadId, "")
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, models.StatusCompleted, results[i].Status)
		assert.Equal(t, results[0].Checksum, results[i].Checksum)
	}
	assert.Equal(t, 1, f.storage.putCount(AssembledKey(s.UploadId)))
	assert.Equal(t, 1, f.notifier.count())
}
