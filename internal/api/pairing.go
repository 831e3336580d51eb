/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/auth"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/pairing"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/telemetry"
)

type pairingConnectRequest struct {
	Action     string         `json:"action"`
	Code       string         `json:"code"`
	DeviceInfo map[string]any `json:"deviceInfo,omitempty"`
}

type pairingSessionRequest struct {
	Action       string `json:"action"`
	ConnectionID string `json:"connectionId"`
}

// handlePairingConnect pairs an unauthenticated phone by short code.
func (a *API) handlePairingConnect(w http.ResponseWriter, r *http.Request) {
	var req pairingConnectRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		telemetry.PairingConnectsTotal.WithLabelValues("malformed").Inc()
		a.writeFailure(w, http.StatusBadRequest, "code is required")
		return
	}

	result, err := a.pairing.Connect(r.Context(), req.Code, req.DeviceInfo)
	switch {
	case errors.Is(err, pairing.ErrInvalidCode):
		telemetry.PairingConnectsTotal.WithLabelValues("invalid_code").Inc()
		// malformed codes are the caller's mistake; well-formed codes that
		// match nothing are a lookup miss
		status := http.StatusNotFound
		if len(strings.TrimSpace(req.Code)) != 6 {
			status = http.StatusBadRequest
		}
		a.writeFailure(w, status, "invalid pairing code")
		return
	case err != nil:
		telemetry.PairingConnectsTotal.WithLabelValues("storage_error").Inc()
		a.logger.Error().Err(err).Msg("pairing connect failed")
		a.writeFailure(w, http.StatusInternalServerError, "storage error")
		return
	}

	telemetry.PairingConnectsTotal.WithLabelValues("ok").Inc()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"connectionId": result.SessionID,
		"userId":       result.OwnerID,
	})
}

// handlePairingPing records phone liveness. Best effort; unknown sessions
// are the only surfaced failure.
func (a *API) handlePairingPing(w http.ResponseWriter, r *http.Request) {
	var req pairingSessionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ConnectionID == "" {
		a.writeFailure(w, http.StatusBadRequest, "connectionId is required")
		return
	}

	if err := a.pairing.Ping(r.Context(), req.ConnectionID); err != nil {
		a.writeFailure(w, http.StatusNotFound, "unknown connection")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handlePairingDisconnect(w http.ResponseWriter, r *http.Request) {
	var req pairingSessionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ConnectionID == "" {
		a.writeFailure(w, http.StatusBadRequest, "connectionId is required")
		return
	}

	if err := a.pairing.Disconnect(r.Context(), req.ConnectionID); err != nil {
		if errors.Is(err, pairing.ErrSessionNotFound) {
			a.writeFailure(w, http.StatusNotFound, "unknown connection")
			return
		}
		a.logger.Error().Err(err).Msg("pairing disconnect failed")
		a.writeFailure(w, http.StatusInternalServerError, "storage error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSessionCreateOrResume returns the operator's pairing session,
// creating one with a fresh code on first use.
func (a *API) handleSessionCreateOrResume(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		a.writeFailure(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	session, err := a.pairing.CreateOrResume(r.Context(), claims.UserID)
	if err != nil {
		a.logger.Error().Err(err).Msg("create or resume pairing session")
		a.writeFailure(w, http.StatusInternalServerError, "storage error")
		return
	}
	a.writeJSON(w, http.StatusOK, session)
}

func (a *API) handleSessionRegenerate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		a.writeFailure(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	current, err := a.pairing.Get(r.Context(), sessionID)
	if err != nil {
		a.writeFailure(w, http.StatusNotFound, "session not found")
		return
	}
	if current.OwnerID != claims.UserID {
		a.writeFailure(w, http.StatusForbidden, "not your session")
		return
	}

	session, err := a.pairing.RegenerateCode(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pairing.ErrSessionNotFound) {
			a.writeFailure(w, http.StatusNotFound, "session not found")
			return
		}
		a.logger.Error().Err(err).Msg("regenerate pairing code")
		a.writeFailure(w, http.StatusInternalServerError, "storage error")
		return
	}
	a.writeJSON(w, http.StatusOK, session)
}
