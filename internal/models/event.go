package models

import "time"

const (
	EventRecordFailed     = "sync.record.failed"
	EventConflictDetected = "sync.conflict.detected"
	EventCycleCompleted   = "sync.cycle.completed"
)

// OpsEvent is published to the broker for operators and other services.
type OpsEvent struct {
	Type       string    `json:"type"`
	SystemID   string    `json:"systemId,omitempty"`
	EntityType string    `json:"entityType,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	ChangeID   int64     `json:"changeId,omitempty"`
	ConflictID string    `json:"conflictId,omitempty"`
	Error      string    `json:"error,omitempty"`
	Summary    any       `json:"summary,omitempty"`
	At         time.Time `json:"at"`
}
