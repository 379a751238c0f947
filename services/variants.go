package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/anthonynsimon/bild/transform"
	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// Decoding larger images would need gigabytes of RAM.
const maxImagePixels = 100_000_000

const jpegQuality = 90

var extensions = map[string]string{
	"jpeg": "jpg",
	"png":  "png",
	"gif":  "gif",
	"bmp":  "bmp",
	"webp": "webp",
}

func ImagesPrefix(uploadId string) string {
	return fmt.Sprintf("images/%s/", uploadId)
}

func VariantKey(uploadId string, label models.VariantLabel, ext string) string {
	return fmt.Sprintf("images/%s/%s.%s", uploadId, label, ext)
}

// TargetDimensions fits w x h into a box of size, never enlarging.
func TargetDimensions(w, h, size int) (int, int) {
	scale := math.Min(math.Min(float64(size)/float64(w), float64(size)/float64(h)), 1)
	tw := int(math.Round(float64(w) * scale))
	th := int(math.Round(float64(h) * scale))
	return max(tw, 1), max(th, 1)
}

type VariantGenerator struct {
	storage  store.FileStorage
	variants store.VariantStore
	targets  []config.VariantTarget

	logger logging.Logger
}

func NewVariantGenerator(storage store.FileStorage, variants store.VariantStore, targets []config.VariantTarget, l logging.Logger) *VariantGenerator {
	return &VariantGenerator{
		storage:  storage,
		variants: variants,
		targets:  targets,
		logger:   l,
	}
}

type renderedVariant struct {
	label  models.VariantLabel
	format string
	ext    string
	width  int
	height int
	data   []byte
}

// Generate writes the original and every configured target for uploadId from
// the image at sourceKey, then upserts their records in one batch. Output is
// deterministic for identical source bytes.
func (g *VariantGenerator) Generate(ctx context.Context, uploadId string, sourceKey string) (map[models.VariantLabel]models.ImageVariant, error) {
	data, err := g.readSource(ctx, sourceKey)
	if err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrUnsupportedImageFormat, err)
	}
	ext, ok := extensions[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperror.ErrUnsupportedImageFormat, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d", apperror.ErrUnsupportedImageFormat, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrUnsupportedImageFormat, err)
	}

	g.logger.Debug("generating variants", "upload_id", uploadId, "format", format, "width", cfg.Width, "height", cfg.Height)

	rendered := make([]renderedVariant, len(g.targets)+1)
	rendered[0] = renderedVariant{
		label:  models.VariantOriginal,
		format: format,
		ext:    ext,
		width:  cfg.Width,
		height: cfg.Height,
		data:   data,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i, target := range g.targets {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			v, err := renderTarget(src, format, target)
			if err != nil {
				return err
			}
			rendered[i+1] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	records := make([]models.ImageVariant, 0, len(rendered))
	for _, r := range rendered {
		key := VariantKey(uploadId, r.label, r.ext)
		size, err := g.storage.Put(ctx, key, bytes.NewReader(r.data))
		if err != nil {
			g.logger.Error("failed to store variant", "upload_id", uploadId, "variant", r.label, "error", err)
			return nil, apperror.StorageIO("store variant "+string(r.label), err)
		}
		sum := sha256.Sum256(r.data)
		records = append(records, models.ImageVariant{
			SessionId: uploadId,
			Label:     r.label,
			Path:      key,
			Format:    r.format,
			Width:     r.width,
			Height:    r.height,
			Size:      size,
			Checksum:  hex.EncodeToString(sum[:]),
			UpdatedAt: now,
		})
	}

	if err := g.variants.PutVariants(ctx, records); err != nil {
		g.logger.Error("failed to record variants", "upload_id", uploadId, "error", err)
		return nil, apperror.StorageIO("record variants", err)
	}

	out := make(map[models.VariantLabel]models.ImageVariant, len(records))
	for _, v := range records {
		out[v.Label] = v
	}

	g.logger.Info("variants generated", "upload_id", uploadId, "count", len(out))
	return out, nil
}

func (g *VariantGenerator) readSource(ctx context.Context, key string) ([]byte, error) {
	rc, err := g.storage.Get(ctx, key)
	if err != nil {
		return nil, apperror.StorageIO("open source image", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperror.StorageIO("read source image", err)
	}
	return data, nil
}

func renderTarget(src image.Image, format string, target config.VariantTarget) (renderedVariant, error) {
	b := src.Bounds()
	w, h := TargetDimensions(b.Dx(), b.Dy(), target.Size)

	var img image.Image = src
	if w != b.Dx() || h != b.Dy() {
		// RGBA output keeps the alpha channel of the source.
		img = transform.Resize(src, w, h, transform.Lanczos)
	}

	v := renderedVariant{
		label:  models.VariantLabel(target.Label),
		format: format,
		ext:    extensions[format],
		width:  w,
		height: h,
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	case "gif":
		err = gif.Encode(&buf, toPaletted(src, img), nil)
	case "bmp":
		err = bmp.Encode(&buf, img)
	case "webp":
		// x/image only decodes webp.
		v.format, v.ext = "png", "png"
		err = png.Encode(&buf, img)
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		// encoder failures are deterministic for a given source
		return renderedVariant{}, fmt.Errorf("%w: encode %s: %w", apperror.ErrUnsupportedImageFormat, target.Label, err)
	}

	v.data = buf.Bytes()
	return v, nil
}

// toPaletted maps img onto the source palette so gif variants keep their
// colors and transparency index.
func toPaletted(src, img image.Image) image.Image {
	if _, ok := img.(*image.Paletted); ok {
		return img
	}
	pal, ok := src.(*image.Paletted)
	if !ok {
		return img
	}
	dst := image.NewPaletted(img.Bounds(), pal.Palette)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}
