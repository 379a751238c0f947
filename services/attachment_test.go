package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttach_SetsPrimaryImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.PutItem(ctx, models.CatalogItem{Sku: "LAMP-1", Name: "Lamp"}))
	s := f.completed(t, pngImage(t, 300, 200, false))

	res, err := f.attachment.Attach(ctx, " lamp-1 ", s.UploadId)
	require.NoError(t, err)

	assert.Equal(t, "LAMP-1", res.Sku)
	assert.Equal(t, models.VariantOriginal, res.PrimaryImage.Label)
	assert.Equal(t, s.Metadata[models.MetadataOriginalPath], res.PrimaryImage.Path)

	item, err := f.records.GetItem(ctx, "LAMP-1")
	require.NoError(t, err)
	assert.Equal(t, &models.VariantRef{SessionId: s.UploadId, Label: models.VariantOriginal}, item.PrimaryImage)
}

func TestAttach_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.PutItem(ctx, models.CatalogItem{Sku: "LAMP-1"}))
	s := f.completed(t, pngImage(t, 300, 200, false))

	first, err := f.attachment.Attach(ctx, "LAMP-1", s.UploadId)
	require.NoError(t, err)
	itemBefore, err := f.records.GetItem(ctx, "LAMP-1")
	require.NoError(t, err)
	rowsBefore, err := f.records.ListVariants(ctx, s.UploadId)
	require.NoError(t, err)

	second, err := f.attachment.Attach(ctx, "LAMP-1", s.UploadId)
	require.NoError(t, err)

	itemAfter, err := f.records.GetItem(ctx, "LAMP-1")
	require.NoError(t, err)
	rowsAfter, err := f.records.ListVariants(ctx, s.UploadId)
	require.NoError(t, err)

	assert.Equal(t, first.PrimaryImage.Path, second.PrimaryImage.Path)
	assert.Equal(t, first.PrimaryImage.Checksum, second.PrimaryImage.Checksum)
	assert.True(t, second.PrimaryImage.OwnedBy(models.OwnerCatalogItem, "LAMP-1"))
	assert.Equal(t, itemBefore, itemAfter)
	assert.Equal(t, rowsBefore, rowsAfter)
}

func TestAttach_Exclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.PutItem(ctx, models.CatalogItem{Sku: "LAMP-1"}))
	s1 := f.completed(t, pngImage(t, 300, 200, false))
	s2 := f.completed(t, pngImage(t, 200, 300, false))

	_, err := f.attachment.Attach(ctx, "LAMP-1", s1.UploadId)
	require.NoError(t, err)
	_, err = f.attachment.Attach(ctx, "LAMP-1", s2.UploadId)
	require.NoError(t, err)

	item, err := f.records.GetItem(ctx, "LAMP-1")
	require.NoError(t, err)
	assert.Equal(t, &models.VariantRef{SessionId: s2.UploadId, Label: models.VariantOriginal}, item.PrimaryImage)

	old, err := f.records.ListVariants(ctx, s1.UploadId)
	require.NoError(t, err)
	for _, v := range old {
		assert.False(t, v.OwnedBy(models.OwnerCatalogItem, "LAMP-1"), v.Label)
	}
	current, err := f.records.ListVariants(ctx, s2.UploadId)
	require.NoError(t, err)
	require.Len(t, current, 4)
	for _, v := range current {
		assert.True(t, v.OwnedBy(models.OwnerCatalogItem, "LAMP-1"), v.Label)
	}
}

func TestAttach_MovingSessionReleasesPreviousItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.PutItem(ctx, models.CatalogItem{Sku: "LAMP-1"}))
	require.NoError(t, f.records.PutItem(ctx, models.CatalogItem{Sku: "LAMP-2"}))
	s := f.completed(t, pngImage(t, 300, 200, false))

	_, err := f.attachment.Attach(ctx, "LAMP-1", s.UploadId)
	require.NoError(t, err)
	_, err = f.attachment.Attach(ctx, "LAMP-2", s.UploadId)
	require.NoError(t, err)

	first, err := f.records.GetItem(ctx, "LAMP-1")
	require.NoError(t, err)
	assert.Nil(t, first.PrimaryImage)

	res, err := f.attachment.Attach(ctx, "LAMP-1", s.UploadId)
	require.NoError(t, err)
	assert.True(t, res.PrimaryImage.OwnedBy(models.OwnerCatalogItem, "LAMP-1"))

	rows, err := f.records.ListVariants(ctx, s.UploadId)
	require.NoError(t, err)
	for _, v := range rows {
		assert.True(t, v.OwnedBy(models.OwnerCatalogItem, "LAMP-1"), v.Label)
	}
	second, err := f.records.GetItem(ctx, "LAMP-2")
	require.NoError(t, err)
	assert.Nil(t, second.PrimaryImage)
}

func TestAttach_ConcurrentAttachesSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.PutItem(ctx, models.CatalogItem{Sku: "LAMP-1"}))
	sessions := []*models.UploadSession{
		f.completed(t, pngImage(t, 80, 60, false)),
		f.completed(t, pngImage(t, 60, 80, false)),
		f.completed(t, pngImage(t, 70, 70, false)),
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.attachment.Attach(ctx, "LAMP-1", s.UploadId)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	item, err := f.records.GetItem(ctx, "LAMP-1")
	require.NoError(t, err)

	owners := 0
	for _, s := range sessions {
		rows, err := f.records.ListVariants(ctx, s.UploadId)
		require.NoError(t, err)
		owned := rows[0].OwnedBy(models.OwnerCatalogItem, "LAMP-1")
		if owned {
			owners++
			assert.Equal(t, s.UploadId, item.PrimaryImage.SessionId)
		}
	}
	assert.Equal(t, 1, owners)
}

func TestAttach_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.PutItem(ctx, models.CatalogItem{Sku: "LAMP-1"}))
	done := f.completed(t, pngImage(t, 40, 40, false))

	_, err := f.attachment.Attach(ctx, "UNKNOWN", done.UploadId)
	assert.ErrorIs(t, err, apperror.ErrCatalogItemNotFound)

	_, err = f.attachment.Attach(ctx, "LAMP-1", "missing")
	assert.ErrorIs(t, err, apperror.ErrUploadNotReady)
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)

	pending := f.initialize(t, filler(10), 10, "")
	_, err = f.attachment.Attach(ctx, "LAMP-1", pending.UploadId)
	assert.ErrorIs(t, err, apperror.ErrUploadNotReady)

	_, err = f.attachment.Attach(ctx, "", done.UploadId)
	assert.ErrorIs(t, err, apperror.ErrInvalidShape)
}

func TestAttach_RegeneratesMissingVariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.PutItem(ctx, models.CatalogItem{Sku: "LAMP-1"}))

	source := VariantKey("legacy", models.VariantOriginal, "png")
	putSource(t, f, source, pngImage(t, 500, 250, false))
	now := time.Now().UTC()
	require.NoError(t, f.records.CreateSession(ctx, &models.UploadSession{
		UploadId:    "legacy",
		TotalChunks: 1,
		Status:      models.StatusCompleted,
		Metadata:    map[string]string{models.MetadataOriginalPath: source},
		Version:     1,
		CompletedAt: &now,
	}))

	res, err := f.attachment.Attach(ctx, "LAMP-1", "legacy")
	require.NoError(t, err)
	assert.Equal(t, source, res.PrimaryImage.Path)
	assert.Equal(t, 500, res.PrimaryImage.Width)

	rows, err := f.records.ListVariants(ctx, "legacy")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	for _, v := range rows {
		assert.True(t, v.OwnedBy(models.OwnerCatalogItem, "LAMP-1"), v.Label)
	}
}
