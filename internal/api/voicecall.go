/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/voicecall"
)

// handleVoiceCall forwards a call-control action to the voice gateway. The
// gateway's own result envelope is returned verbatim.
func (a *API) handleVoiceCall(w http.ResponseWriter, r *http.Request) {
	var req voicecall.Request
	if !a.decode(w, r, &req) {
		return
	}

	resp, err := a.voice.Do(r.Context(), req)
	if err != nil {
		if errors.Is(err, voicecall.ErrInvalidAction) {
			a.writeJSON(w, http.StatusBadRequest, voicecall.Response{Success: false, Error: err.Error()})
			return
		}
		a.logger.Error().Err(err).Str("action", req.Action).Msg("voice gateway call failed")
		a.writeJSON(w, http.StatusBadGateway, voicecall.Response{Success: false, Error: "voice gateway unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}
