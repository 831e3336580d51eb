/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package pairing turns a human-readable code into an active bidirectional
// session between a PC operator and a phone.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/audit"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/models"
)

// Ambiguous characters (0/O, 1/I) are excluded; codes are read aloud and
// typed on a phone.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

var (
	// ErrInvalidCode is returned when a connect code matches no session.
	// User-correctable, never retried automatically.
	ErrInvalidCode = errors.New("invalid pairing code")

	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("pairing session not found")
)

// ConnectResult identifies the session a phone joined.
type ConnectResult struct {
	SessionID string
	OwnerID   string
}

// Service implements the pairing coordinator over the persisted store.
type Service struct {
	db      *gorm.DB
	channel events.Channel
	audit   *audit.Service
	logger  zerolog.Logger
}

// NewService creates the pairing coordinator.
func NewService(db *gorm.DB, channel events.Channel, auditSvc *audit.Service, logger zerolog.Logger) *Service {
	return &Service{
		db:      db,
		channel: channel,
		audit:   auditSvc,
		logger:  logger.With().Str("component", "pairing").Logger(),
	}
}

// CreateOrResume returns the owner's most recent pairing session, creating
// one with a fresh code if none exists. Side-effect free on resume.
func (s *Service) CreateOrResume(ctx context.Context, ownerID string) (*models.PairingSession, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id required")
	}

	var session models.PairingSession
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		First(&session).Error
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup pairing session: %w", err)
	}

	code, err := s.generateCode(ctx)
	if err != nil {
		return nil, err
	}

	session = models.PairingSession{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Code:    code,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("create pairing session: %w", err)
	}

	s.logger.Info().
		Str("session_id", session.ID).
		Str("owner_id", ownerID).
		Msg("pairing session created")

	return &session, nil
}

// RegenerateCode assigns a new random code and forcibly clears the connected
// state, logically disconnecting any phone paired with the old code.
func (s *Service) RegenerateCode(ctx context.Context, sessionID string) (*models.PairingSession, error) {
	code, err := s.generateCode(ctx)
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).Model(&models.PairingSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"code":         code,
			"connected":    false,
			"device_info":  nil,
			"connected_at": nil,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("regenerate code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrSessionNotFound
	}

	var session models.PairingSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		return nil, fmt.Errorf("reload pairing session: %w", err)
	}

	s.record(ctx, session.OwnerID, "pairing.regenerate", sessionID, nil)

	return &session, nil
}

// Connect pairs a phone with the session matching code. Case-insensitive and
// trimmed. The caller is unauthenticated relative to the owner account; this
// is the sole trust boundary crossing in the subsystem.
func (s *Service) Connect(ctx context.Context, code string, deviceInfo map[string]any) (*ConnectResult, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if len(normalized) != codeLength {
		return nil, ErrInvalidCode
	}

	// Codes are reused as a pool over time; the most recently created row
	// with this code is the valid one.
	var session models.PairingSession
	err := s.db.WithContext(ctx).
		Where("code = ?", normalized).
		Order("created_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn().Str("code", normalized).Msg("connect with unknown code")
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, fmt.Errorf("lookup code: %w", err)
	}

	if deviceInfo == nil {
		deviceInfo = map[string]any{}
	}
	deviceInfo["connected_at"] = time.Now().UTC().Format(time.RFC3339)

	now := time.Now()
	session.Connected = true
	session.DeviceInfo = deviceInfo
	session.ConnectedAt = &now
	session.LastSeenAt = &now

	update := s.db.WithContext(ctx).Model(&session).
		Select("connected", "device_info", "connected_at", "last_seen_at").
		Updates(&session)
	if update.Error != nil {
		return nil, fmt.Errorf("mark connected: %w", update.Error)
	}

	s.logger.Info().
		Str("session_id", session.ID).
		Str("owner_id", session.OwnerID).
		Msg("phone connected")

	s.record(ctx, session.OwnerID, "pairing.connect", session.ID, deviceInfo)

	return &ConnectResult{SessionID: session.ID, OwnerID: session.OwnerID}, nil
}

// Ping updates the session's liveness timestamp. Best effort: storage errors
// are logged, not surfaced, and the phone retries on its own schedule.
func (s *Service) Ping(ctx context.Context, sessionID string) error {
	result := s.db.WithContext(ctx).Model(&models.PairingSession{}).
		Where("id = ? AND connected = ?", sessionID, true).
		Update("last_seen_at", time.Now())
	if result.Error != nil {
		s.logger.Debug().Err(result.Error).Str("session_id", sessionID).Msg("liveness ping failed")
		return nil
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Disconnect clears the connected state and broadcasts pc-disconnect on the
// session's call topic so a still-listening phone tears down immediately.
func (s *Service) Disconnect(ctx context.Context, sessionID string) error {
	result := s.db.WithContext(ctx).Model(&models.PairingSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"connected":    false,
			"device_info":  nil,
			"connected_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("disconnect: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}

	if s.channel != nil {
		s.channel.Publish(events.CallTopic(sessionID), events.Message{
			Event:  events.EventPCDisconnect,
			Sender: "pairing-coordinator",
		})
	}

	s.logger.Info().Str("session_id", sessionID).Msg("pairing disconnected")
	s.record(ctx, "", "pairing.disconnect", sessionID, nil)

	return nil
}

// ExpireStale disconnects every connected session whose last liveness ping
// is older than cutoff. Each expired session gets the same pc-disconnect
// broadcast an explicit disconnect would.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []models.PairingSession
	err := s.db.WithContext(ctx).
		Where("connected = ? AND last_seen_at < ?", true, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}

	expired := 0
	for _, session := range stale {
		res := s.db.WithContext(ctx).Model(&models.PairingSession{}).
			Where("id = ? AND connected = ? AND last_seen_at < ?", session.ID, true, cutoff).
			Updates(map[string]any{
				"connected":    false,
				"device_info":  nil,
				"connected_at": nil,
			})
		if res.Error != nil || res.RowsAffected == 0 {
			// pinged or disconnected concurrently
			continue
		}
		expired++

		if s.channel != nil {
			s.channel.Publish(events.CallTopic(session.ID), events.Message{
				Event:  events.EventPCDisconnect,
				Sender: "pairing-coordinator",
			})
		}
		s.logger.Info().Str("session_id", session.ID).Msg("stale pairing expired")
		s.record(ctx, "", "pairing.expired", session.ID, nil)
	}
	return expired, nil
}

// Get returns the session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.PairingSession, error) {
	var session models.PairingSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// generateCode draws a uniform random code, retrying a few times if the code
// collides with one currently in use. Collision with a stale row is fine;
// lookups break ties by recency.
func (s *Service) generateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}

		var count int64
		if err := s.db.WithContext(ctx).Model(&models.PairingSession{}).
			Where("code = ? AND connected = ?", code, true).
			Count(&count).Error; err != nil {
			return "", fmt.Errorf("check code collision: %w", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate unique pairing code")
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func (s *Service) record(ctx context.Context, actorID, action, targetID string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, actorID, action, targetID, detail)
}
