package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/db"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/pkg/metrics"
)

// Outbox captures local entity mutations as change records. Business write
// paths call Capture inside their own transaction so the record commits or
// rolls back with the mutation.
type Outbox struct {
	repo   db.Repository
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewOutbox(repo db.Repository, window time.Duration, logger *slog.Logger) *Outbox {
	return &Outbox{repo: repo, window: window, logger: logger, now: time.Now}
}

// Record captures one change in its own transaction.
func (o *Outbox) Record(ctx context.Context, in models.ChangeInput) (models.ChangeRecord, error) {
	var rec models.ChangeRecord
	err := o.repo.InTx(ctx, func(ctx context.Context, tx db.Repository) error {
		var err error
		rec, err = Capture(ctx, tx, in, o.window, o.now())
		return err
	})
	if err != nil {
		return models.ChangeRecord{}, err
	}
	o.logger.Debug("Change recorded",
		"change_id", rec.ID,
		"entity_type", rec.EntityType,
		"entity_id", rec.EntityID,
		"operation", rec.Operation,
		"version", rec.Version,
	)
	return rec, nil
}

// Capture writes a change record through tx. The same entity, operation and
// payload seen again within window returns the existing record. An older
// in-flight record for the entity is superseded and the operations each system
// has not received yet are folded into the new one, so at most one record per
// entity is ever in flight.
func Capture(ctx context.Context, tx db.Repository, in models.ChangeInput, window time.Duration, now time.Time) (models.ChangeRecord, error) {
	in, err := normalizeInput(in)
	if err != nil {
		return models.ChangeRecord{}, err
	}
	hash := models.HashPayload(in.Payload)

	var rec models.ChangeRecord
	err = tx.InTx(ctx, func(ctx context.Context, tx db.Repository) error {
		if err := tx.LockEntity(ctx, in.EntityType, in.EntityID); err != nil {
			return err
		}

		latest, err := tx.LatestChange(ctx, in.EntityType, in.EntityID)
		if err != nil {
			return err
		}
		if isReplay(latest, in.Operation, hash, window, now) {
			rec = *latest
			metrics.RecordedChanges.WithLabelValues(in.EntityType, "collapsed").Inc()
			return nil
		}

		inFlight, err := tx.InFlightChanges(ctx, in.EntityType, in.EntityID)
		if err != nil {
			return err
		}
		op, pending, err := foldInFlight(ctx, tx, inFlight, in.Operation)
		if err != nil {
			return err
		}
		for _, c := range inFlight {
			if err := tx.SupersedeChange(ctx, c.ID); err != nil {
				return fmt.Errorf("supersede change %d: %w", c.ID, err)
			}
		}

		version := int64(1)
		if latest != nil {
			version = latest.Version + 1
		}

		targets, err := subscribedSystems(ctx, tx, models.EventType(in.EntityType, op))
		if err != nil {
			return err
		}

		rec = models.ChangeRecord{
			EntityType:  in.EntityType,
			EntityID:    in.EntityID,
			Operation:   op,
			Payload:     in.Payload,
			PayloadHash: hash,
			Version:     version,
			CapturedAt:  now.UTC(),
			Status:      models.ChangePending,
		}
		if len(targets) == 0 {
			rec.Status = models.ChangeDelivered
		}
		assignments := make([]models.Assignment, 0, len(targets))
		for _, sid := range targets {
			a := models.Assignment{SystemID: sid}
			if prev, ok := pending[sid]; ok {
				if sysOp := models.Coalesce(prev, in.Operation); sysOp != op {
					a.Operation = sysOp
				}
			} else if in.Operation != op {
				a.Operation = in.Operation
			}
			assignments = append(assignments, a)
		}
		if err := tx.InsertChange(ctx, &rec, assignments); err != nil {
			return err
		}
		metrics.RecordedChanges.WithLabelValues(in.EntityType, "recorded").Inc()
		return nil
	})
	if err != nil {
		return models.ChangeRecord{}, err
	}
	return rec, nil
}

// foldInFlight folds the operations of in-flight records about to be
// superseded. It returns the record-level operation and, per system, the
// operation that system has not received yet. A record operation is only
// folded when no system has received it; otherwise next stands as is.
func foldInFlight(ctx context.Context, tx db.Repository, inFlight []models.ChangeRecord, next models.Operation) (models.Operation, map[string]models.Operation, error) {
	pending := map[string]models.Operation{}
	var (
		folded    models.Operation
		delivered bool
	)
	for _, c := range inFlight {
		if folded == "" {
			folded = c.Operation
		} else {
			folded = models.Coalesce(folded, c.Operation)
		}

		assignments, err := tx.ChangeAssignments(ctx, c.ID)
		if err != nil {
			return "", nil, err
		}
		for _, a := range assignments {
			switch a.Status {
			case models.ChangeDelivered:
				delivered = true
				continue
			case models.ChangeSuperseded:
				continue
			}
			op := a.Operation
			if op == "" {
				op = c.Operation
			}
			if prev, ok := pending[a.SystemID]; ok {
				op = models.Coalesce(prev, op)
			}
			pending[a.SystemID] = op
		}
	}
	if folded == "" || delivered {
		return next, pending, nil
	}
	return models.Coalesce(folded, next), pending, nil
}

func normalizeInput(in models.ChangeInput) (models.ChangeInput, error) {
	def, ok := models.LookupEntity(in.EntityType)
	if !ok {
		return in, fmt.Errorf("entity type %q is not synchronized: %w", in.EntityType, common.ErrInvalidInput)
	}
	in.EntityType = def.Type
	in.EntityID = strings.TrimSpace(in.EntityID)
	if in.EntityID == "" {
		return in, fmt.Errorf("missing entity id: %w", common.ErrInvalidInput)
	}
	if !in.Operation.Valid() {
		return in, fmt.Errorf("unknown operation %q: %w", in.Operation, common.ErrInvalidInput)
	}

	payload := bytes.TrimSpace(in.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return in, fmt.Errorf("payload is not valid JSON: %w", common.ErrInvalidInput)
	}
	in.Payload = json.RawMessage(payload)
	return in, nil
}

func isReplay(latest *models.ChangeRecord, op models.Operation, hash string, window time.Duration, now time.Time) bool {
	if latest == nil || latest.Status == models.ChangeSuperseded {
		return false
	}
	if latest.Operation != op || latest.PayloadHash != hash {
		return false
	}
	age := now.Sub(latest.CapturedAt)
	return age >= 0 && age <= window
}
