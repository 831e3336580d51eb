/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/auth"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/telemetry"
)

// handleChannelWS bridges a WebSocket client onto one realtime topic. Frames
// are events.Message in both directions.
//
// Access: an operator/admin token grants any topic. A connected phone may
// attach to its own call topic by presenting its connectionId; signal topics
// always require a token.
func (a *API) handleChannelWS(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !a.authorizeTopic(r, topic) {
		a.writeFailure(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.WebSocketConnections.Inc()
	defer telemetry.WebSocketConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := a.channel.Subscribe(topic)
	defer a.channel.Unsubscribe(topic, sub)

	a.logger.Debug().Str("topic", topic).Msg("channel bridge connected")

	// outbound pump
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					cancel()
					return
				}
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// inbound pump
	for {
		var msg events.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ws.CloseStatus(err) != -1 || ctx.Err() != nil {
				conn.Close(ws.StatusNormalClosure, "")
				return
			}
			a.logger.Debug().Err(err).Str("topic", topic).Msg("websocket read error")
			return
		}
		// the bridge pins the topic; clients cannot publish across topics
		msg.Topic = topic
		if strings.HasPrefix(topic, "call.") {
			telemetry.CallEventsTotal.WithLabelValues(msg.Event).Inc()
			a.auditCallEvent(ctx, topic, msg)
		} else {
			telemetry.SignalingMessagesTotal.WithLabelValues(msg.Event).Inc()
		}
		a.channel.Publish(topic, msg)
	}
}

// auditCallEvent appends call lifecycle transitions to the audit trail as
// they cross the bridge. Intermediate chatter is not recorded.
func (a *API) auditCallEvent(ctx context.Context, topic string, msg events.Message) {
	switch msg.Event {
	case events.EventCallStarted, events.EventEndCall, events.EventPCDisconnect:
		pairingID := strings.TrimPrefix(topic, "call.")
		a.auditSvc.Record(ctx, msg.Sender, "call."+msg.Event, pairingID, nil)
	}
}

// authorizeTopic decides whether this request may attach to topic.
func (a *API) authorizeTopic(r *http.Request, topic string) bool {
	isCall := strings.HasPrefix(topic, "call.")
	isSignal := strings.HasPrefix(topic, "signal.")
	if !isCall && !isSignal {
		return false
	}

	if token := bearerOrQueryToken(r); token != "" {
		if claims, err := auth.Parse(a.jwtSecret, token); err == nil && claims != nil {
			return true
		}
	}

	if isCall {
		connectionID := r.URL.Query().Get("connectionId")
		if connectionID != "" && "call."+connectionID == topic {
			session, err := a.pairing.Get(r.Context(), connectionID)
			return err == nil && session.Connected
		}
	}
	return false
}

func bearerOrQueryToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
