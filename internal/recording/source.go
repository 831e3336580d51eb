/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package recording captures call audio in fixed time-slice chunks, stages
// every chunk to a durable local spool, and uploads the assembled blob when
// the recording stops.
package recording

import (
	"context"
	"io"
	"time"
)

// Source yields media chunks for one recording. ReadChunk blocks until the
// next time slice is available and returns io.EOF when the feed ends.
type Source interface {
	ReadChunk(ctx context.Context) ([]byte, error)
}

// readerSource adapts a continuous io.Reader into fixed-interval chunks.
type readerSource struct {
	r        io.Reader
	interval time.Duration
	bufSize  int
}

// NewReaderSource wraps a media reader so a chunk is cut every interval.
// Used by the capture endpoints that receive media as a stream.
func NewReaderSource(r io.Reader, interval time.Duration) Source {
	if interval <= 0 {
		interval = time.Second
	}
	return &readerSource{r: r, interval: interval, bufSize: 64 * 1024}
}

func (s *readerSource) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}

	buf := make([]byte, s.bufSize)
	n, err := s.r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}
