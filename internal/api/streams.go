/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/signaling"
)

// handleStreamCaptureStart lazily creates the streamer for this id and opens
// its RTP ingest feed.
func (a *API) handleStreamCaptureStart(w http.ResponseWriter, r *http.Request) {
	streamerID := chi.URLParam(r, "streamerID")

	status, err := a.streams.StartCapture(r.Context(), streamerID)
	if err != nil {
		a.logger.Error().Err(err).Str("streamer_id", streamerID).Msg("capture start failed")
		a.writeFailure(w, http.StatusInternalServerError, "capture start failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stream": status})
}

func (a *API) handleStreamCaptureStop(w http.ResponseWriter, r *http.Request) {
	streamerID := chi.URLParam(r, "streamerID")

	if err := a.streams.StopCapture(streamerID); err != nil {
		if errors.Is(err, signaling.ErrUnknownStream) {
			a.writeFailure(w, http.StatusNotFound, "unknown stream")
			return
		}
		a.writeFailure(w, http.StatusInternalServerError, "capture stop failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	streamerID := chi.URLParam(r, "streamerID")

	status, err := a.streams.Status(streamerID)
	if err != nil {
		a.writeFailure(w, http.StatusNotFound, "unknown stream")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stream": status})
}
