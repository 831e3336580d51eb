/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit appends lifecycle events (pairing, calls, recordings) to a
// persistent trail. Writes are best effort; failures are logged and never
// surfaced to the caller.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/models"
)

// Service writes audit entries.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewService creates the audit service.
func NewService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Record appends one entry.
func (s *Service) Record(ctx context.Context, actorID, action, targetID string, detail map[string]any) {
	entry := models.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Action:    action,
		TargetID:  targetID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}

// Recent returns the newest entries up to limit.
func (s *Service) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.AuditEntry
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
