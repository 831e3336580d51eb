/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/auth"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/models"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/recording"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/storage"
)

// handleRecordingsList returns the caller's recordings, newest first.
func (a *API) handleRecordingsList(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		a.writeFailure(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	rows, err := a.recorder.List(r.Context(), claims.UserID)
	if err != nil {
		a.logger.Error().Err(err).Msg("list recordings")
		a.writeFailure(w, http.StatusInternalServerError, "storage error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "recordings": rows})
}

// handleRecordingCapture ingests one recording as a streamed request body.
// The phone records locally and streams the media up; the body is spooled
// chunk by chunk and the blob uploaded when the stream ends.
func (a *API) handleRecordingCapture(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		a.writeFailure(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	direction, ok := parseDirection(r.URL.Query().Get("direction"))
	if !ok {
		a.writeFailure(w, http.StatusBadRequest, "invalid direction")
		return
	}

	opts := recording.StartOptions{
		OwnerID:     claims.UserID,
		CustomerRef: r.URL.Query().Get("customerRef"),
		Direction:   direction,
	}

	handle, err := a.recorder.Start(r.Context(), a.recorder.NewSource(r.Body), opts)
	if err != nil {
		a.logger.Error().Err(err).Msg("start capture")
		a.writeFailure(w, http.StatusInternalServerError, "capture failed")
		return
	}

	// The loop exits when the body reaches EOF or the client drops.
	<-handle.Done()

	// Finalization must not be cut short by the client going away.
	row, err := a.recorder.Stop(context.Background(), handle)
	if err != nil {
		a.logger.Error().Err(err).Str("recording_id", handle.ID()).Msg("finalize capture")
		a.writeFailure(w, http.StatusInternalServerError, "capture failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "recording": row})
}

// parseDirection maps the direction query parameter onto a call direction.
// An absent parameter means the operator placed the call.
func parseDirection(raw string) (models.CallDirection, bool) {
	switch models.CallDirection(raw) {
	case models.DirectionOutgoing, models.DirectionIncoming:
		return models.CallDirection(raw), true
	case "":
		return models.DirectionOutgoing, true
	}
	return "", false
}

// handleRecordingDownload streams the recording blob. Owners only.
func (a *API) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		a.writeFailure(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	recordingID := chi.URLParam(r, "recordingID")

	row, err := a.recorder.Get(r.Context(), claims.UserID, recordingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			a.writeFailure(w, http.StatusNotFound, "recording not found")
			return
		}
		a.logger.Error().Err(err).Msg("load recording")
		a.writeFailure(w, http.StatusInternalServerError, "storage error")
		return
	}

	blob, err := a.recorder.Open(r.Context(), row)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.writeFailure(w, http.StatusNotFound, "recording blob unavailable")
			return
		}
		a.logger.Error().Err(err).Msg("open recording blob")
		a.writeFailure(w, http.StatusInternalServerError, "storage error")
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+row.ID+`.webm"`)
	if _, err := io.Copy(w, blob); err != nil {
		a.logger.Debug().Err(err).Msg("recording download aborted")
	}
}
