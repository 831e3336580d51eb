/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Channel backend selection for the realtime bus.
type ChannelBackend string

const (
	ChannelMemory ChannelBackend = "memory"
	ChannelRedis  ChannelBackend = "redis"
	ChannelNATS   ChannelBackend = "nats"
)

// Storage backend selection for recording blobs.
type StorageBackend string

const (
	StorageFilesystem StorageBackend = "fs"
	StorageS3         StorageBackend = "s3"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	JWTSigningKey string
	MetricsBind   string

	// Realtime channel configuration
	ChannelBackend ChannelBackend
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	NATSURL        string
	InstanceID     string

	// Pairing configuration
	PairingPingInterval time.Duration

	// Recording configuration
	RecordingSpoolDir      string
	RecordingChunkInterval time.Duration
	StorageBackend         StorageBackend
	StorageRoot            string // filesystem backend root

	// S3 object storage configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // Required for MinIO

	// WebRTC configuration
	WebRTCRTPPort      int    // UDP port for RTP video input from the capture pipeline
	WebRTCSTUNURL      string // STUN server for NAT traversal
	WebRTCTURNURL      string // TURN server for relaying (optional)
	WebRTCTURNUsername string
	WebRTCTURNPassword string

	// Voice call control proxy (Twilio-equivalent)
	VoiceControlURL   string
	VoiceControlToken string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("CALLFLOW_ENV", "development"),
		HTTPBind:    getEnv("CALLFLOW_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("CALLFLOW_HTTP_PORT", 8080),
		DBBackend:   DatabaseBackend(getEnv("CALLFLOW_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:       getEnv("CALLFLOW_DB_DSN", ""),

		JWTSigningKey: getEnv("CALLFLOW_JWT_SIGNING_KEY", ""),
		MetricsBind:   getEnv("CALLFLOW_METRICS_BIND", "127.0.0.1:9000"),

		ChannelBackend: ChannelBackend(getEnv("CALLFLOW_CHANNEL_BACKEND", string(ChannelMemory))),
		RedisAddr:      getEnv("CALLFLOW_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("CALLFLOW_REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("CALLFLOW_REDIS_DB", 0),
		NATSURL:        getEnv("CALLFLOW_NATS_URL", "nats://localhost:4222"),
		InstanceID:     getEnv("CALLFLOW_INSTANCE_ID", ""),

		PairingPingInterval: time.Duration(getEnvInt("CALLFLOW_PAIRING_PING_SECONDS", 25)) * time.Second,

		RecordingSpoolDir:      getEnv("CALLFLOW_RECORDING_SPOOL_DIR", "./spool"),
		RecordingChunkInterval: time.Duration(getEnvInt("CALLFLOW_RECORDING_CHUNK_MS", 1000)) * time.Millisecond,
		StorageBackend:         StorageBackend(getEnv("CALLFLOW_STORAGE_BACKEND", string(StorageFilesystem))),
		StorageRoot:            getEnv("CALLFLOW_STORAGE_ROOT", "./blobs"),

		S3AccessKeyID:     getEnvAny([]string{"CALLFLOW_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"CALLFLOW_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"CALLFLOW_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"CALLFLOW_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"CALLFLOW_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBool("CALLFLOW_S3_USE_PATH_STYLE", false),

		WebRTCRTPPort:      getEnvInt("CALLFLOW_WEBRTC_RTP_PORT", 5004),
		WebRTCSTUNURL:      getEnv("CALLFLOW_WEBRTC_STUN_URL", "stun:stun.l.google.com:19302"),
		WebRTCTURNURL:      getEnv("CALLFLOW_WEBRTC_TURN_URL", ""),
		WebRTCTURNUsername: getEnv("CALLFLOW_WEBRTC_TURN_USERNAME", ""),
		WebRTCTURNPassword: getEnv("CALLFLOW_WEBRTC_TURN_PASSWORD", ""),

		VoiceControlURL:   getEnv("CALLFLOW_VOICE_CONTROL_URL", ""),
		VoiceControlToken: getEnv("CALLFLOW_VOICE_CONTROL_TOKEN", ""),

		TracingEnabled:    getEnvBool("CALLFLOW_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("CALLFLOW_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("CALLFLOW_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.ChannelBackend != ChannelMemory && cfg.ChannelBackend != ChannelRedis && cfg.ChannelBackend != ChannelNATS {
		return nil, fmt.Errorf("unsupported channel backend %q", cfg.ChannelBackend)
	}

	if cfg.StorageBackend != StorageFilesystem && cfg.StorageBackend != StorageS3 {
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("CALLFLOW_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("CALLFLOW_JWT_SIGNING_KEY must be provided")
	}

	if cfg.StorageBackend == StorageS3 && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("CALLFLOW_S3_BUCKET must be provided for the s3 storage backend")
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.WebRTCTURNURL != "" && (cfg.WebRTCTURNUsername == "" || cfg.WebRTCTURNPassword == "") {
			return nil, fmt.Errorf("CALLFLOW_WEBRTC_TURN_USERNAME and CALLFLOW_WEBRTC_TURN_PASSWORD are required when TURN is enabled in production")
		}
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
