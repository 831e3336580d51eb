package recording

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/models"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.CallRecording{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// chanSource feeds chunks from a channel; closing the channel ends the feed.
type chanSource struct {
	chunks chan []byte
}

func (s *chanSource) ReadChunk(ctx context.Context) ([]byte, error) {
	// drain queued chunks before honoring cancellation so tests are
	// deterministic
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-s.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	}
}

// failingStore rejects the first failures puts, then delegates.
type failingStore struct {
	storage.ObjectStore
	failures int
	attempts int
}

func (f *failingStore) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	f.attempts++
	if f.attempts <= f.failures {
		return 0, errors.New("transient upload error")
	}
	return f.ObjectStore.Put(ctx, key, body)
}

func newTestRecorder(t *testing.T, store storage.ObjectStore) (*Recorder, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := NewRecorder(testDB(t), store, t.TempDir(), zerolog.Nop())
	rec.now = func() time.Time { return clock }
	rec.retryBackoff = time.Millisecond
	return rec, &clock
}

func TestRecorder_StartStopUploads(t *testing.T) {
	store := storage.NewFilesystemStore(t.TempDir(), zerolog.Nop())
	rec, clock := newTestRecorder(t, store)
	ctx := context.Background()

	src := &chanSource{chunks: make(chan []byte, 4)}
	src.chunks <- []byte("chunk-1 ")
	src.chunks <- []byte("chunk-2")

	h, err := rec.Start(ctx, src, StartOptions{
		OwnerID:     "owner-1",
		CustomerRef: "cust-9",
		Direction:   models.DirectionOutgoing,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	close(src.chunks)

	// wall clock advances 95s; two chunks arrived, duration must not care
	*clock = clock.Add(95 * time.Second)

	row, err := rec.Stop(ctx, h)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if row.Status != models.RecordingCompleted {
		t.Fatalf("expected completed, got %s", row.Status)
	}
	if row.DurationSeconds != 95 {
		t.Fatalf("expected wall-clock duration 95s, got %d", row.DurationSeconds)
	}
	if row.BlobKey != "recordings/owner-1/"+h.ID() {
		t.Fatalf("unexpected blob key %q", row.BlobKey)
	}
	if row.BlobSizeBytes != int64(len("chunk-1 chunk-2")) {
		t.Fatalf("unexpected blob size %d", row.BlobSizeBytes)
	}

	rc, err := store.Get(ctx, row.BlobKey)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if !bytes.Equal(body, []byte("chunk-1 chunk-2")) {
		t.Fatalf("blob content %q", body)
	}

	if _, err := os.Stat(filepath.Join(rec.spoolDir, h.ID()+".part")); !os.IsNotExist(err) {
		t.Fatal("spool must be removed after a confirmed upload")
	}
}

func TestRecorder_StartRequiresOwner(t *testing.T) {
	rec, _ := newTestRecorder(t, storage.NewFilesystemStore(t.TempDir(), zerolog.Nop()))

	_, err := rec.Start(context.Background(), &chanSource{chunks: make(chan []byte)}, StartOptions{})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestRecorder_UploadRetriesTransientFailure(t *testing.T) {
	store := &failingStore{
		ObjectStore: storage.NewFilesystemStore(t.TempDir(), zerolog.Nop()),
		failures:    2,
	}
	rec, _ := newTestRecorder(t, store)
	ctx := context.Background()

	src := &chanSource{chunks: make(chan []byte, 1)}
	src.chunks <- []byte("data")
	close(src.chunks)

	h, err := rec.Start(ctx, src, StartOptions{OwnerID: "owner-1", Direction: models.DirectionIncoming})
	if err != nil {
		t.Fatal(err)
	}
	row, err := rec.Stop(ctx, h)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if row.BlobKey == "" {
		t.Fatal("expected upload to succeed after retries")
	}
	if store.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.attempts)
	}
}

func TestRecorder_UploadExhaustionKeepsSpool(t *testing.T) {
	store := &failingStore{
		ObjectStore: storage.NewFilesystemStore(t.TempDir(), zerolog.Nop()),
		failures:    100,
	}
	rec, _ := newTestRecorder(t, store)
	rec.uploadRetries = 1
	ctx := context.Background()

	src := &chanSource{chunks: make(chan []byte, 1)}
	src.chunks <- []byte("precious")
	close(src.chunks)

	h, err := rec.Start(ctx, src, StartOptions{OwnerID: "owner-1", Direction: models.DirectionOutgoing})
	if err != nil {
		t.Fatal(err)
	}
	row, err := rec.Stop(ctx, h)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if row.Status != models.RecordingCompleted {
		t.Fatalf("row must complete even without a blob, got %s", row.Status)
	}
	if row.BlobKey != "" {
		t.Fatal("blob key must stay empty after upload exhaustion")
	}
	spool := filepath.Join(rec.spoolDir, h.ID()+".part")
	data, err := os.ReadFile(spool)
	if err != nil {
		t.Fatalf("spool must survive for recovery: %v", err)
	}
	if !bytes.Equal(data, []byte("precious")) {
		t.Fatalf("spool content %q", data)
	}
}

func TestRecorder_Cancel(t *testing.T) {
	store := &failingStore{ObjectStore: storage.NewFilesystemStore(t.TempDir(), zerolog.Nop())}
	rec, _ := newTestRecorder(t, store)
	ctx := context.Background()

	src := &chanSource{chunks: make(chan []byte, 1)}
	src.chunks <- []byte("discard")

	h, err := rec.Start(ctx, src, StartOptions{OwnerID: "owner-1", Direction: models.DirectionOutgoing})
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Cancel(ctx, h); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var row models.CallRecording
	if err := rec.db.First(&row, "id = ?", h.ID()).Error; err != nil {
		t.Fatal(err)
	}
	if row.Status != models.RecordingCancelled {
		t.Fatalf("expected cancelled, got %s", row.Status)
	}
	if store.attempts != 0 {
		t.Fatal("cancel must not upload")
	}
	if _, err := os.Stat(filepath.Join(rec.spoolDir, h.ID()+".part")); !os.IsNotExist(err) {
		t.Fatal("spool must be removed on cancel")
	}

	if err := rec.Cancel(ctx, h); !errors.Is(err, ErrAlreadyStopped) {
		t.Fatalf("second finish: expected ErrAlreadyStopped, got %v", err)
	}
}

func TestRecorder_List(t *testing.T) {
	rec, clock := newTestRecorder(t, storage.NewFilesystemStore(t.TempDir(), zerolog.Nop()))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		src := &chanSource{chunks: make(chan []byte)}
		close(src.chunks)
		owner := "owner-1"
		if i == 2 {
			owner = "owner-2"
		}
		h, err := rec.Start(ctx, src, StartOptions{OwnerID: owner, Direction: models.DirectionOutgoing})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := rec.Stop(ctx, h); err != nil {
			t.Fatal(err)
		}
		*clock = clock.Add(time.Minute)
	}

	rows, err := rec.List(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 recordings for owner-1, got %d", len(rows))
	}
}
