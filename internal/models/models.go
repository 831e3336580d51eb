package models

import (
	"time"
)

// CallDirection distinguishes outgoing from incoming calls.
type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
)

// RecordingStatus tracks a call recording through its lifecycle.
type RecordingStatus string

const (
	RecordingInProgress RecordingStatus = "in_progress"
	RecordingCompleted  RecordingStatus = "completed"
	RecordingCancelled  RecordingStatus = "cancelled"
)

// PairingSession binds a PC operator session to a phone via a short code.
//
// Codes are drawn from a small pool and reused over time; lookups must break
// ties by recency (most recently created row wins).
type PairingSession struct {
	ID          string         `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID     string         `gorm:"type:uuid;index" json:"owner_id"`
	Code        string         `gorm:"type:varchar(6);index" json:"code"`
	Connected   bool           `json:"connected"`
	DeviceInfo  map[string]any `gorm:"serializer:json" json:"device_info,omitempty"`
	ConnectedAt *time.Time     `json:"connected_at,omitempty"`
	LastSeenAt  *time.Time     `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CallRecording is the persisted record of one captured call.
type CallRecording struct {
	ID              string          `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID         string          `gorm:"type:uuid;index" json:"owner_id"`
	CustomerRef     string          `gorm:"type:varchar(64)" json:"customer_ref,omitempty"`
	Direction       CallDirection   `gorm:"type:varchar(16)" json:"direction"`
	Status          RecordingStatus `gorm:"type:varchar(16);index" json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	DurationSeconds int             `json:"duration_seconds"`
	BlobKey         string          `gorm:"type:varchar(255)" json:"blob_key,omitempty"`
	BlobSizeBytes   int64           `json:"blob_size_bytes"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AuditEntry is an append-only trail row for pairing and call lifecycle events.
type AuditEntry struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	ActorID   string         `gorm:"type:uuid;index" json:"actor_id"`
	Action    string         `gorm:"type:varchar(64);index" json:"action"`
	TargetID  string         `gorm:"type:uuid;index" json:"target_id"`
	Detail    map[string]any `gorm:"serializer:json" json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
