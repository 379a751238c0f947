package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/locking"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/metrics"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.UploadCompletedEvent
}

func (n *recordingNotifier) PublishUploadCompleted(ctx context.Context, event models.UploadCompletedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

// flakyStorage fails Put for keys accepted by failPut.
type flakyStorage struct {
	store.FileStorage

	mu      sync.Mutex
	failPut func(key string) bool
	puts    map[string]int
}

func (f *flakyStorage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	f.mu.Lock()
	fail := f.failPut != nil && f.failPut(key)
	f.puts[key]++
	f.mu.Unlock()

	if fail {
		return 0, errors.New("disk full")
	}
	return f.FileStorage.Put(ctx, key, r)
}

func (f *flakyStorage) setFailPut(fn func(key string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPut = fn
}

func (f *flakyStorage) putCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[key]
}

type fixture struct {
	records  *store.MemoryStore
	storage  *flakyStorage
	notifier *recordingNotifier

	chunks     *ChunkStore
	assembler  *Assembler
	generator  *VariantGenerator
	sessions   *SessionServiceImpl
	completion *UploadCompletionServiceImpl
	attachment *AttachmentServiceImpl
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	local, err := store.NewLocalFileStorageImpl(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		records:  store.NewMemoryStore(),
		storage:  &flakyStorage{FileStorage: local, puts: map[string]int{}},
		notifier: &recordingNotifier{},
	}

	l := logging.NewNopLogger()
	m := metrics.NewNop()
	locker := locking.NewMemoryLocker(5*time.Second, l)
	cfg := config.UploadConfig{
		DefaultChunkSize: 1024,
		MaxUploadSize:    10 * 1024 * 1024,
		Variants:         config.DefaultVariants(),
	}

	f.chunks = NewChunkStore(f.storage)
	f.assembler = NewAssembler(f.chunks, f.storage, l)
	f.generator = NewVariantGenerator(f.storage, f.records, cfg.Variants, l)
	f.sessions = NewSessionServiceImpl(f.records, f.chunks, f.storage, locker, cfg, m, l)
	f.completion = NewUploadCompletionServiceImpl(f.records, f.chunks, f.assembler, f.generator, locker, f.notifier, m, l)
	f.attachment = NewAttachmentServiceImpl(f.records, f.records, f.records, f.generator, locker, m, l)
	return f
}

// initialize opens a session for data split into chunks of chunkSize.
func (f *fixture) initialize(t *testing.T, data []byte, chunkSize int64, checksum string) *models.UploadSession {
	t.Helper()
	total := int((int64(len(data)) + chunkSize - 1) / chunkSize)
	s, err := f.sessions.Initialize(context.Background(), models.InitializeRequest{
		OriginalFilename: "photo.png",
		MimeType:         "image/png",
		TotalSize:        int64(len(data)),
		ChunkSize:        chunkSize,
		TotalChunks:      total,
		Checksum:         checksum,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) send(t *testing.T, uploadId string, data []byte, chunkSize int64, order ...int) *models.UploadSession {
	t.Helper()
	var s *models.UploadSession
	for _, n := range order {
		start := int64(n-1) * chunkSize
		end := min(start+chunkSize, int64(len(data)))
		var err error
		s, err = f.sessions.RecordChunk(context.Background(), uploadId, n, bytes.NewReader(data[start:end]))
		require.NoError(t, err)
	}
	return s
}

func allChunks(s *models.UploadSession) []int {
	order := make([]int, s.TotalChunks)
	for i := range order {
		order[i] = i + 1
	}
	return order
}

// upload initializes a session and sends every chunk in order.
func (f *fixture) upload(t *testing.T, data []byte, chunkSize int64) *models.UploadSession {
	t.Helper()
	s := f.initialize(t, data, chunkSize, "")
	return f.send(t, s.UploadId, data, chunkSize, allChunks(s)...)
}

func (f *fixture) completed(t *testing.T, data []byte) *models.UploadSession {
	t.Helper()
	s := f.upload(t, data, 1024)
	s, err := f.completion.CompleteUpload(context.Background(), s.UploadId, "")
	require.NoError(t, err)
	return s
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.storage.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func (f *fixture) read(t *testing.T, key string) []byte {
	t.Helper()
	rc, err := f.storage.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// pngImage encodes a w x h gradient. With transparentLeft the left half is
// fully transparent.
func pngImage(t *testing.T, w, h int, transparentLeft bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if transparentLeft && x < w/2 {
				a = 0
			}
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: a})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func filler(n int) []byte {
	return []byte(strings.Repeat("abcdefghij", n/10+1)[:n])
}
