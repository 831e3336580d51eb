/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP surface: pairing endpoints for the phone,
// authenticated operator endpoints, the voice-gateway proxy, and the
// WebSocket bridge onto the realtime channel.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/audit"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/auth"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/pairing"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/recording"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/signaling"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/voicecall"
)

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	jwtSecret []byte
	pairing   *pairing.Service
	recorder  *recording.Recorder
	voice     *voicecall.Client
	channel   events.Channel
	auditSvc  *audit.Service
	streams   *signaling.Manager
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, pairingSvc *pairing.Service, recorder *recording.Recorder, voice *voicecall.Client, channel events.Channel, auditSvc *audit.Service, logger zerolog.Logger) *API {
	return &API{
		db:        db,
		jwtSecret: jwtSecret,
		pairing:   pairingSvc,
		recorder:  recorder,
		voice:     voice,
		channel:   channel,
		auditSvc:  auditSvc,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// SetStreams wires the signaling manager; without it the stream endpoints
// are not mounted.
func (a *API) SetStreams(m *signaling.Manager) {
	a.streams = m
}

// Routes mounts API routes on the provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// The phone is unauthenticated relative to the owner account; the
		// pairing code is its only credential.
		r.Post("/pairing/connect", a.handlePairingConnect)
		r.Post("/pairing/ping", a.handlePairingPing)
		r.Post("/pairing/disconnect", a.handlePairingDisconnect)

		// The channel bridge does its own access checks so a connected
		// phone can attach without an operator token.
		r.Get("/channels/{topic}/ws", a.handleChannelWS)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))

			pr.Post("/pairing/session", a.handleSessionCreateOrResume)
			pr.Post("/pairing/session/{sessionID}/regenerate", a.handleSessionRegenerate)

			pr.Post("/recordings/capture", a.handleRecordingCapture)
			pr.Get("/recordings", a.handleRecordingsList)
			pr.Get("/recordings/{recordingID}/download", a.handleRecordingDownload)

			pr.Post("/voice/call", a.handleVoiceCall)

			if a.streams != nil {
				pr.Post("/streams/{streamerID}/capture/start", a.handleStreamCaptureStart)
				pr.Post("/streams/{streamerID}/capture/stop", a.handleStreamCaptureStop)
				pr.Get("/streams/{streamerID}", a.handleStreamStatus)
			}
		})
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error().Err(err).Msg("encode response")
	}
}

// writeFailure emits the structured failure envelope the clients expect.
func (a *API) writeFailure(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeFailure(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
