/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/audit"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/models"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/storage"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/telemetry"
)

var (
	ErrNotAuthenticated = errors.New("recording requires an authenticated owner")
	ErrAlreadyStopped   = errors.New("recording already stopped")
)

const (
	defaultUploadRetries = 3
	defaultRetryBackoff  = 2 * time.Second
)

// StartOptions carries the call metadata attached to a new recording.
type StartOptions struct {
	OwnerID     string
	CustomerRef string
	Direction   models.CallDirection
}

// Handle tracks one in-flight recording from Start until Stop or Cancel.
type Handle struct {
	id        string
	ownerID   string
	spoolPath string
	startedAt time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	mu      sync.Mutex
}

// ID returns the recording row id.
func (h *Handle) ID() string { return h.id }

// Done closes when the capture loop has exited, either because the source
// ended or the handle was stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Recorder captures call media chunk by chunk. Every chunk hits the local
// spool before anything else, so a crash mid-call loses at most the chunk
// in flight; the upload happens once, at stop time.
type Recorder struct {
	db       *gorm.DB
	store    storage.ObjectStore
	spoolDir string
	logger   zerolog.Logger

	now           func() time.Time
	uploadRetries int
	retryBackoff  time.Duration
	chunkInterval time.Duration

	auditSvc *audit.Service
}

// NewRecorder creates a recorder spooling to spoolDir and uploading finished
// blobs to store.
func NewRecorder(db *gorm.DB, store storage.ObjectStore, spoolDir string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		db:            db,
		store:         store,
		spoolDir:      spoolDir,
		logger:        logger.With().Str("component", "recorder").Logger(),
		now:           time.Now,
		uploadRetries: defaultUploadRetries,
		retryBackoff:  defaultRetryBackoff,
		chunkInterval: time.Second,
	}
}

// SetChunkInterval overrides the time slice used for streamed capture
// sources.
func (r *Recorder) SetChunkInterval(d time.Duration) {
	if d > 0 {
		r.chunkInterval = d
	}
}

// NewSource adapts a continuous media stream into this recorder's chunk
// cadence.
func (r *Recorder) NewSource(rd io.Reader) Source {
	return NewReaderSource(rd, r.chunkInterval)
}

// SetAudit wires the audit trail for completed recordings.
func (r *Recorder) SetAudit(svc *audit.Service) {
	r.auditSvc = svc
}

// Start opens a recording for the given owner and begins pulling chunks from
// src. The returned handle must be finished with Stop or Cancel.
func (r *Recorder) Start(ctx context.Context, src Source, opts StartOptions) (*Handle, error) {
	if opts.OwnerID == "" {
		return nil, ErrNotAuthenticated
	}

	now := r.now()
	row := models.CallRecording{
		ID:          uuid.NewString(),
		OwnerID:     opts.OwnerID,
		CustomerRef: opts.CustomerRef,
		Direction:   opts.Direction,
		Status:      models.RecordingInProgress,
		StartedAt:   now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create recording row: %w", err)
	}

	if err := os.MkdirAll(r.spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	spoolPath := filepath.Join(r.spoolDir, row.ID+".part")
	spool, err := os.Create(spoolPath)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:        row.ID,
		ownerID:   opts.OwnerID,
		spoolPath: spoolPath,
		startedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go r.captureLoop(captureCtx, src, spool, h)

	telemetry.RecordingsInProgress.Inc()
	r.logger.Info().Str("recording_id", row.ID).Str("owner_id", opts.OwnerID).Msg("recording started")
	return h, nil
}

// captureLoop pulls chunks until the context is cancelled or the source
// ends. Each chunk is flushed to the spool before the next read.
func (r *Recorder) captureLoop(ctx context.Context, src Source, spool *os.File, h *Handle) {
	defer close(h.done)
	defer spool.Close()

	for {
		chunk, err := src.ReadChunk(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			r.logger.Error().Err(err).Str("recording_id", h.id).Msg("capture read error")
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if _, err := spool.Write(chunk); err != nil {
			r.logger.Error().Err(err).Str("recording_id", h.id).Msg("spool write error")
			return
		}
		if err := spool.Sync(); err != nil {
			r.logger.Warn().Err(err).Str("recording_id", h.id).Msg("spool sync error")
		}
	}
}

// Stop ends the capture, uploads the spooled blob with bounded retries, and
// marks the row completed. The duration is wall clock, independent of how
// many chunks arrived. If every upload attempt fails, the row is still
// completed and the spool file is left in place for operator recovery.
func (r *Recorder) Stop(ctx context.Context, h *Handle) (*models.CallRecording, error) {
	if err := h.finish(); err != nil {
		return nil, err
	}
	telemetry.RecordingsInProgress.Dec()

	endedAt := r.now()
	duration := int(endedAt.Sub(h.startedAt).Seconds())

	blobKey := fmt.Sprintf("recordings/%s/%s", h.ownerID, h.id)
	size, uploadErr := r.uploadSpool(ctx, h.spoolPath, blobKey)

	updates := map[string]any{
		"status":           models.RecordingCompleted,
		"ended_at":         endedAt,
		"duration_seconds": duration,
	}
	if uploadErr == nil {
		updates["blob_key"] = blobKey
		updates["blob_size_bytes"] = size
	} else {
		r.logger.Error().Err(uploadErr).
			Str("recording_id", h.id).
			Str("spool", h.spoolPath).
			Msg("upload failed, spool retained")
	}

	if err := r.db.WithContext(ctx).
		Model(&models.CallRecording{}).
		Where("id = ?", h.id).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("finalize recording row: %w", err)
	}

	if uploadErr == nil {
		if err := os.Remove(h.spoolPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("spool", h.spoolPath).Msg("spool cleanup failed")
		}
	}

	var row models.CallRecording
	if err := r.db.WithContext(ctx).First(&row, "id = ?", h.id).Error; err != nil {
		return nil, fmt.Errorf("reload recording row: %w", err)
	}
	if r.auditSvc != nil {
		r.auditSvc.Record(ctx, h.ownerID, "recording.completed", h.id, map[string]any{
			"duration_seconds": duration,
			"uploaded":         uploadErr == nil,
		})
	}
	r.logger.Info().
		Str("recording_id", h.id).
		Int("duration_seconds", duration).
		Int64("blob_size", row.BlobSizeBytes).
		Msg("recording completed")
	return &row, nil
}

// Cancel ends the capture and discards everything: no upload, spool removed,
// row marked cancelled.
func (r *Recorder) Cancel(ctx context.Context, h *Handle) error {
	if err := h.finish(); err != nil {
		return err
	}
	telemetry.RecordingsInProgress.Dec()

	endedAt := r.now()
	if err := r.db.WithContext(ctx).
		Model(&models.CallRecording{}).
		Where("id = ?", h.id).
		Updates(map[string]any{
			"status":   models.RecordingCancelled,
			"ended_at": endedAt,
		}).Error; err != nil {
		return fmt.Errorf("cancel recording row: %w", err)
	}

	if err := os.Remove(h.spoolPath); err != nil && !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Str("spool", h.spoolPath).Msg("spool cleanup failed")
	}
	r.logger.Info().Str("recording_id", h.id).Msg("recording cancelled")
	return nil
}

// List returns an owner's recordings, newest first.
func (r *Recorder) List(ctx context.Context, ownerID string) ([]models.CallRecording, error) {
	var rows []models.CallRecording
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("started_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return rows, nil
}

// Get returns one recording owned by ownerID.
func (r *Recorder) Get(ctx context.Context, ownerID, recordingID string) (*models.CallRecording, error) {
	var row models.CallRecording
	err := r.db.WithContext(ctx).
		First(&row, "id = ? AND owner_id = ?", recordingID, ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("load recording: %w", err)
	}
	return &row, nil
}

// Open streams a completed recording's blob.
func (r *Recorder) Open(ctx context.Context, row *models.CallRecording) (io.ReadCloser, error) {
	if row.BlobKey == "" {
		return nil, storage.ErrNotFound
	}
	return r.store.Get(ctx, row.BlobKey)
}

// uploadSpool puts the spool file under key, retrying with backoff.
func (r *Recorder) uploadSpool(ctx context.Context, spoolPath, key string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= r.uploadRetries; attempt++ {
		if attempt > 0 {
			telemetry.RecordingUploadRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(r.retryBackoff):
			}
		}

		file, err := os.Open(spoolPath)
		if err != nil {
			return 0, fmt.Errorf("open spool: %w", err)
		}
		size, err := r.store.Put(ctx, key, file)
		file.Close()
		if err == nil {
			return size, nil
		}
		lastErr = err
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Str("key", key).Msg("upload attempt failed")
	}
	return 0, lastErr
}

// finish stops the capture loop exactly once and waits for it to drain.
func (h *Handle) finish() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrAlreadyStopped
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
	return nil
}
