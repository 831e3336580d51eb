/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
)

// ErrUnknownStream is returned for streamer ids the manager has never seen.
var ErrUnknownStream = errors.New("unknown stream")

// Manager provides per-streamer signaling instances. Streamers are created
// lazily on first capture start so adding one never requires a restart; the
// configured RTP port is treated as the base of a range, one port per
// streamer.
type Manager struct {
	cfg     Config
	channel events.Channel
	logger  zerolog.Logger

	mu       sync.RWMutex
	streams  map[string]*managedStream
	nextPort int
}

type managedStream struct {
	streamer *Streamer
	stop     func()
	rtpPort  int
}

// StreamStatus is the externally visible state of one managed streamer.
type StreamStatus struct {
	StreamerID string `json:"streamerId"`
	Capturing  bool   `json:"capturing"`
	Viewers    int    `json:"viewers"`
	RTPPort    int    `json:"rtpPort"`
}

// NewManager creates an empty streamer manager.
func NewManager(cfg Config, channel events.Channel, logger zerolog.Logger) *Manager {
	base := cfg.RTPPort
	if base == 0 {
		base = 5004
	}
	return &Manager{
		cfg:      cfg,
		channel:  channel,
		logger:   logger.With().Str("component", "signaling-manager").Logger(),
		streams:  make(map[string]*managedStream),
		nextPort: base,
	}
}

// StartCapture ensures a streamer exists for id and opens its ingest feed.
func (m *Manager) StartCapture(ctx context.Context, id string) (*StreamStatus, error) {
	ms, err := m.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	if err := ms.streamer.StartCapture(ctx); err != nil {
		return nil, err
	}
	return m.status(id, ms), nil
}

// StopCapture closes the ingest feed and disconnects viewers. The streamer
// keeps listening on its signaling topic for the next capture.
func (m *Manager) StopCapture(id string) error {
	m.mu.RLock()
	ms := m.streams[id]
	m.mu.RUnlock()
	if ms == nil {
		return ErrUnknownStream
	}
	ms.streamer.StopCapture()
	return nil
}

// Status reports the state of a managed streamer.
func (m *Manager) Status(id string) (*StreamStatus, error) {
	m.mu.RLock()
	ms := m.streams[id]
	m.mu.RUnlock()
	if ms == nil {
		return nil, ErrUnknownStream
	}
	return m.status(id, ms), nil
}

func (m *Manager) status(id string, ms *managedStream) *StreamStatus {
	return &StreamStatus{
		StreamerID: id,
		Capturing:  ms.streamer.Capturing(),
		Viewers:    ms.streamer.ViewerCount(),
		RTPPort:    ms.rtpPort,
	}
}

func (m *Manager) getOrCreate(id string) (*managedStream, error) {
	m.mu.RLock()
	if ms := m.streams[id]; ms != nil {
		m.mu.RUnlock()
		return ms, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if ms := m.streams[id]; ms != nil {
		return ms, nil
	}

	cfg := m.cfg
	cfg.RTPPort = m.nextPort

	streamer, err := NewStreamer(id, cfg, m.channel, m.logger)
	if err != nil {
		return nil, fmt.Errorf("create streamer: %w", err)
	}
	stop, err := streamer.Start()
	if err != nil {
		return nil, fmt.Errorf("start streamer: %w", err)
	}

	ms := &managedStream{streamer: streamer, stop: stop, rtpPort: cfg.RTPPort}
	m.streams[id] = ms
	m.nextPort++
	m.logger.Info().Str("streamer_id", id).Int("rtp_port", ms.rtpPort).Msg("streamer started")
	return ms, nil
}

// Close stops every managed streamer.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ms := range m.streams {
		ms.streamer.StopCapture()
		ms.stop()
		m.logger.Debug().Str("streamer_id", id).Msg("streamer stopped")
	}
	m.streams = make(map[string]*managedStream)
	return nil
}
