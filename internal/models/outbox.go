package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// PastTense is used to build webhook event names such as "customer.updated".
func (o Operation) PastTense() string {
	switch o {
	case OpCreate:
		return "created"
	case OpUpdate:
		return "updated"
	case OpDelete:
		return "deleted"
	}
	return string(o)
}

// Coalesce folds a new local operation into an in-flight one it supersedes.
// A create that never left the outbox stays a create; a recreate after an
// undelivered delete becomes an update.
func Coalesce(previous, next Operation) Operation {
	switch {
	case next == OpDelete:
		return OpDelete
	case previous == OpCreate:
		return OpCreate
	case previous == OpDelete && next == OpCreate:
		return OpUpdate
	}
	return next
}

type ChangeStatus string

const (
	ChangePending    ChangeStatus = "pending"
	ChangeDelivering ChangeStatus = "delivering"
	ChangeDelivered  ChangeStatus = "delivered"
	ChangeFailed     ChangeStatus = "failed"
	ChangeSuperseded ChangeStatus = "superseded"
)

// InFlight reports whether the status still counts against the
// one-in-flight-per-entity rule.
func (s ChangeStatus) InFlight() bool {
	return s == ChangePending || s == ChangeDelivering
}

// ChangeRecord is one outbox row. ID is assigned by the store and defines
// delivery order.
type ChangeRecord struct {
	ID          int64           `db:"id" json:"id"`
	EntityType  string          `db:"entity_type" json:"entityType"`
	EntityID    string          `db:"entity_id" json:"entityId"`
	Operation   Operation       `db:"operation" json:"operation"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	PayloadHash string          `db:"payload_hash" json:"payloadHash"`
	Version     int64           `db:"version" json:"version"`
	CapturedAt  time.Time       `db:"captured_at" json:"capturedAt"`
	Status      ChangeStatus    `db:"status" json:"status"`
}

// EstimateBytes is a rough in-memory footprint used for batch telemetry.
func (c ChangeRecord) EstimateBytes() int {
	return len(c.Payload) + len(c.EntityType) + len(c.EntityID) + len(c.PayloadHash) + 64
}

// Assignment tracks delivery of one ChangeRecord to one ExternalSystem.
// Operation is set only when the system must see a different operation than
// the record carries, e.g. an update for a system that already has the create.
type Assignment struct {
	ChangeID      int64        `db:"change_id" json:"changeId"`
	SystemID      string       `db:"system_id" json:"systemId"`
	Operation     Operation    `db:"operation" json:"operation,omitempty"`
	Status        ChangeStatus `db:"status" json:"status"`
	Attempts      int          `db:"attempts" json:"attempts"`
	LastError     string       `db:"last_error" json:"lastError,omitempty"`
	NextAttemptAt time.Time    `db:"next_attempt_at" json:"nextAttemptAt"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updatedAt"`
}

// Targets builds pending assignments carrying the record operation.
func Targets(systemIDs ...string) []Assignment {
	out := make([]Assignment, 0, len(systemIDs))
	for _, id := range systemIDs {
		out = append(out, Assignment{SystemID: id})
	}
	return out
}

// PendingDelivery is an assignment joined with the record it delivers.
type PendingDelivery struct {
	Change     ChangeRecord
	Assignment Assignment
}

// Outbound returns the record as the assigned system must see it.
func (p PendingDelivery) Outbound() ChangeRecord {
	c := p.Change
	if p.Assignment.Operation != "" {
		c.Operation = p.Assignment.Operation
	}
	return c
}

// ChangeInput is what a business write path hands to the outbox.
type ChangeInput struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
}

const payloadHashDomain = "go-sync-hub/payload/v1"

// HashPayload returns a domain-separated SHA-256 of the compacted payload so
// that whitespace differences do not defeat replay detection.
func HashPayload(payload []byte) string {
	h := sha256.New()
	h.Write([]byte(payloadHashDomain))
	h.Write([]byte{0x00})
	h.Write(canonicalJSON(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON round-trips through map decoding so object keys come out
// sorted. Non-JSON input is hashed as-is.
func canonicalJSON(payload []byte) []byte {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	out, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return out
}
