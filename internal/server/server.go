/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires configuration, storage, the realtime channel, and the
// HTTP surface into one runnable process.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/api"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/audit"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/config"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/db"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/eventbus"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/pairing"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/recording"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/signaling"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/storage"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/telemetry"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/voicecall"
)

// Server bundles the HTTP listener and supporting services.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	router  chi.Router
	closers []func() error

	httpServer    *http.Server
	metricsServer *http.Server

	db         *gorm.DB
	channel    events.Channel
	auditSvc   *audit.Service
	pairingSvc *pairing.Service
	recorder   *recording.Recorder
	voice      *voicecall.Client
	streams    *signaling.Manager
	api        *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("call-flow-api"))
	router.Use(telemetry.MetricsMiddleware)
	// WebSocket bridges and streamed captures outlive any sane request
	// timeout, so the timeout middleware skips them.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Path == "/api/v1/recordings/capture" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Write deadline stays off so WebSocket bridges and recording
		// downloads are not cut mid-stream.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := chi.NewRouter()
	metricsMux.Handle("/metrics", telemetry.Handler())
	srv.metricsServer = &http.Server{
		Addr:              cfg.MetricsBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	channel, err := s.buildChannel()
	if err != nil {
		return err
	}
	s.channel = channel
	s.DeferClose(channel.Close)

	store, err := s.buildStore()
	if err != nil {
		return err
	}

	s.auditSvc = audit.NewService(s.db, s.logger)
	s.pairingSvc = pairing.NewService(s.db, s.channel, s.auditSvc, s.logger)
	s.recorder = recording.NewRecorder(s.db, store, s.cfg.RecordingSpoolDir, s.logger)
	s.recorder.SetAudit(s.auditSvc)
	s.recorder.SetChunkInterval(s.cfg.RecordingChunkInterval)
	s.voice = voicecall.NewClient(s.cfg.VoiceControlURL, s.cfg.VoiceControlToken, s.logger)

	s.streams = signaling.NewManager(signaling.Config{
		RTPPort:      s.cfg.WebRTCRTPPort,
		STUNServer:   s.cfg.WebRTCSTUNURL,
		TURNServer:   s.cfg.WebRTCTURNURL,
		TURNUsername: s.cfg.WebRTCTURNUsername,
		TURNPassword: s.cfg.WebRTCTURNPassword,
	}, s.channel, s.logger)
	s.DeferClose(s.streams.Close)

	s.api = api.New(s.db, []byte(s.cfg.JWTSigningKey), s.pairingSvc, s.recorder, s.voice, s.channel, s.auditSvc, s.logger)
	s.api.SetStreams(s.streams)
	return nil
}

// buildChannel selects the realtime channel backend. The Redis bus degrades
// to in-memory on its own when Redis is unreachable; NATS refuses to start.
func (s *Server) buildChannel() (events.Channel, error) {
	switch s.cfg.ChannelBackend {
	case config.ChannelMemory:
		s.logger.Info().Msg("using in-memory realtime channel")
		return events.NewBus(), nil
	case config.ChannelRedis:
		rcfg := eventbus.DefaultRedisConfig()
		rcfg.Addr = s.cfg.RedisAddr
		rcfg.Password = s.cfg.RedisPassword
		rcfg.DB = s.cfg.RedisDB
		return eventbus.NewRedisBus(rcfg, s.cfg.InstanceID, s.logger)
	case config.ChannelNATS:
		ncfg := eventbus.DefaultNATSConfig()
		ncfg.URL = s.cfg.NATSURL
		return eventbus.NewNATSBus(ncfg, s.cfg.InstanceID, s.logger)
	default:
		return nil, fmt.Errorf("unknown channel backend %q", s.cfg.ChannelBackend)
	}
}

func (s *Server) buildStore() (storage.ObjectStore, error) {
	switch s.cfg.StorageBackend {
	case config.StorageFilesystem:
		s.logger.Info().Str("root", s.cfg.StorageRoot).Msg("using filesystem blob store")
		return storage.NewFilesystemStore(s.cfg.StorageRoot, s.logger), nil
	case config.StorageS3:
		return storage.NewS3Store(context.Background(), storage.S3Config{
			AccessKeyID:     s.cfg.S3AccessKeyID,
			SecretAccessKey: s.cfg.S3SecretAccessKey,
			Region:          s.cfg.S3Region,
			Bucket:          s.cfg.S3Bucket,
			Endpoint:        s.cfg.S3Endpoint,
			UsePathStyle:    s.cfg.S3UsePathStyle,
		}, s.logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.cfg.StorageBackend)
	}
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.api.Routes(s.router)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()

	// Sweep pairings whose phone stopped pinging. Three missed intervals
	// counts as gone.
	interval := s.cfg.PairingPingInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-3 * interval)
				if _, err := s.pairingSvc.ExpireStale(ctx, cutoff); err != nil {
					s.logger.Warn().Err(err).Msg("stale pairing sweep failed")
				}
			}
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the separate metrics listener.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Router exposes the configured API router, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
