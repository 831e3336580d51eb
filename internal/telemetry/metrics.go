/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestDuration tracks HTTP request latency by route.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callflow_api_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIRequestsTotal counts HTTP requests by route and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_api_requests_total",
		Help: "Total HTTP requests.",
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callflow_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	// WebSocketConnections gauges open channel-bridge sockets.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callflow_websocket_connections",
		Help: "Open realtime channel WebSocket connections.",
	})

	// PairingConnectsTotal counts phone pairing attempts by result.
	PairingConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_pairing_connects_total",
		Help: "Phone pairing connect attempts.",
	}, []string{"result"})

	// CallEventsTotal counts call lifecycle events by name.
	CallEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_call_events_total",
		Help: "Call lifecycle events broadcast on the realtime channel.",
	}, []string{"event"})

	// SignalingMessagesTotal counts WebRTC signaling frames by event.
	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_signaling_messages_total",
		Help: "WebRTC signaling frames processed.",
	}, []string{"event"})

	// StreamViewers gauges connected monitoring viewers.
	StreamViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callflow_stream_viewers",
		Help: "Connected stream viewer peers.",
	})

	// RecordingsInProgress gauges open recording captures.
	RecordingsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callflow_recordings_in_progress",
		Help: "Recordings currently capturing.",
	})

	// RecordingUploadRetriesTotal counts retried blob uploads.
	RecordingUploadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callflow_recording_upload_retries_total",
		Help: "Recording blob upload retry attempts.",
	})

	// ChannelFallbacksTotal counts distributed-bus circuit breaker trips.
	ChannelFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callflow_channel_fallbacks_total",
		Help: "Times the distributed channel fell back to in-process delivery.",
	})

	// DatabaseConnectionsActive gauges open DB pool connections.
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callflow_database_connections_active",
		Help: "Active database connections.",
	})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
