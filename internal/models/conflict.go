package models

import (
	"encoding/json"
	"time"
)

type Resolution string

const (
	ResolutionPending Resolution = "pending"
	ResolutionLocal   Resolution = "local"
	ResolutionRemote  Resolution = "remote"
)

// ParseResolution accepts only the two terminal decisions.
func ParseResolution(s string) (Resolution, bool) {
	switch Resolution(s) {
	case ResolutionLocal, ResolutionRemote:
		return Resolution(s), true
	}
	return "", false
}

// SyncConflict records an entity touched on both sides since the last sync.
// Created by the detector, resolved once by the resolver, never deleted.
type SyncConflict struct {
	ID              string          `db:"id" json:"id"`
	SystemID        string          `db:"system_id" json:"systemId"`
	EntityType      string          `db:"entity_type" json:"entityType"`
	EntityID        string          `db:"entity_id" json:"entityId"`
	LocalChangeID   int64           `db:"local_change_id" json:"localChangeId"`
	RemoteOperation Operation       `db:"remote_operation" json:"remoteOperation"`
	RemoteSnapshot  json.RawMessage `db:"remote_snapshot" json:"remoteSnapshot"`
	RemoteTimestamp time.Time       `db:"remote_timestamp" json:"remoteTimestamp"`
	DetectedAt      time.Time       `db:"detected_at" json:"detectedAt"`
	Resolution      Resolution      `db:"resolution" json:"resolution"`
	ResolvedAt      *time.Time      `db:"resolved_at" json:"resolvedAt,omitempty"`
}
