package models

import (
	"encoding/json"
	"time"
)

// RemoteChange is one element of an external system's change feed.
type RemoteChange struct {
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	RemoteTimestamp time.Time       `json:"remoteTimestamp"`
	// BaseVersion is the local version the remote last saw, when the remote
	// echoes it. Zero means unknown.
	BaseVersion int64 `json:"baseVersion,omitempty"`
}

// EntityChange is a mutation applied to the local entity store.
type EntityChange struct {
	EntityType string
	EntityID   string
	Operation  Operation
	Payload    json.RawMessage
	// CorrelationID identifies the remote change for idempotent apply.
	CorrelationID string
}

// WebhookEvent is the JSON body POSTed to an external system.
type WebhookEvent struct {
	EventID         string          `json:"eventId"`
	EventType       string          `json:"eventType"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	Version         int64           `json:"version"`
	SourceTimestamp time.Time       `json:"sourceTimestamp"`
}

// NewWebhookEvent builds the outbound body for a change record.
func NewWebhookEvent(eventID string, c ChangeRecord) WebhookEvent {
	return WebhookEvent{
		EventID:         eventID,
		EventType:       EventType(c.EntityType, c.Operation),
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Operation:       c.Operation,
		Payload:         c.Payload,
		Version:         c.Version,
		SourceTimestamp: c.CapturedAt,
	}
}
