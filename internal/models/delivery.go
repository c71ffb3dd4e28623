package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailure  DeliveryStatus = "failure"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// DeliveryLogEntry is one append-only audit row per dispatch attempt or per
// processed inbound change. Rows are never updated.
type DeliveryLogEntry struct {
	ID              int64           `db:"id" json:"id"`
	SystemID        string          `db:"system_id" json:"systemId"`
	ChangeRecordID  *int64          `db:"change_record_id" json:"changeRecordId,omitempty"`
	EventType       string          `db:"event_type" json:"eventType"`
	Direction       Direction       `db:"direction" json:"direction"`
	RequestPayload  json.RawMessage `db:"request_payload" json:"requestPayload,omitempty"`
	ResponsePayload string          `db:"response_payload" json:"responsePayload,omitempty"`
	HTTPStatus      int             `db:"http_status" json:"httpStatus"`
	Status          DeliveryStatus  `db:"status" json:"status"`
	AttemptNumber   int             `db:"attempt_number" json:"attemptNumber"`
	DurationMs      int64           `db:"duration_ms" json:"durationMs"`
	Error           string          `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
}

// DeliveryLogFilter narrows a delivery log query. Zero values match all.
type DeliveryLogFilter struct {
	SystemID  string
	ChangeID  int64
	Direction Direction
	Limit     int
}
