package models

import "time"

// FBOutboxRecord represents a row in the Firebird FB_SYNC_OUTBOX table
type FBOutboxRecord struct {
	ID        int64     `db:"ID"`
	TableName string    `db:"TABLE_NAME"`
	OpType    string    `db:"OP_TYPE"` // 'I', 'U', 'D'
	PKValue   string    `db:"PK_VALUE"`
	CreatedAt time.Time `db:"CREATED_AT"`
}

// Operation maps the trigger op code to an outbox operation.
func (r FBOutboxRecord) Operation() (Operation, bool) {
	switch r.OpType {
	case "I":
		return OpCreate, true
	case "U":
		return OpUpdate, true
	case "D":
		return OpDelete, true
	}
	return "", false
}
