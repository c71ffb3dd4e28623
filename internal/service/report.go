package service

import (
	"errors"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/models"
)

// SystemReport summarizes one direction of one sync run for one system.
type SystemReport struct {
	SystemID  string           `json:"systemId"`
	Direction models.Direction `json:"direction"`
	Busy      bool             `json:"busy,omitempty"`

	// Upload counters.
	Attempted int `json:"attempted,omitempty"`
	Delivered int `json:"delivered,omitempty"`
	Retrying  int `json:"retrying,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Held      int `json:"held,omitempty"`

	// Download counters.
	Fetched   int `json:"fetched,omitempty"`
	Applied   int `json:"applied,omitempty"`
	Conflicts int `json:"conflicts,omitempty"`
	Skipped   int `json:"skipped,omitempty"`

	Changes []ChangeOutcome `json:"changes,omitempty"`

	Errors []string `json:"errors,omitempty"`

	errs []error
}

// Err joins every error collected for this system.
func (r SystemReport) Err() error { return errors.Join(r.errs...) }

func (r *SystemReport) addError(err error) {
	if err == nil {
		return
	}
	r.errs = append(r.errs, err)
	r.Errors = append(r.Errors, err.Error())
}

// outcome is the last-status string recorded on the external system row.
func (r SystemReport) outcome() string {
	switch {
	case len(r.errs) > 0 && r.Delivered+r.Applied == 0:
		return "error"
	case len(r.errs) > 0 || r.Retrying > 0 || r.Failed > 0 || r.Skipped > 0:
		return "partial"
	}
	return "success"
}

// ChangeOutcome is what happened to one remote change.
type ChangeOutcome struct {
	EntityType      string           `json:"entityType"`
	EntityID        string           `json:"entityId"`
	Operation       models.Operation `json:"operation"`
	RemoteTimestamp time.Time        `json:"remoteTimestamp"`
	Outcome         string           `json:"outcome"`
	ConflictID      string           `json:"conflictId,omitempty"`
}

// SyncReport is the aggregate of one upload or download run.
type SyncReport struct {
	Direction  models.Direction `json:"direction"`
	Systems    []SystemReport   `json:"systems"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// Err joins the errors of every system, busy systems included.
func (r SyncReport) Err() error {
	var errs []error
	for _, s := range r.Systems {
		errs = append(errs, s.errs...)
	}
	return errors.Join(errs...)
}

// Totals sums the counters of every system.
func (r SyncReport) Totals() SystemReport {
	var t SystemReport
	t.Direction = r.Direction
	for _, s := range r.Systems {
		t.Attempted += s.Attempted
		t.Delivered += s.Delivered
		t.Retrying += s.Retrying
		t.Failed += s.Failed
		t.Held += s.Held
		t.Fetched += s.Fetched
		t.Applied += s.Applied
		t.Conflicts += s.Conflicts
		t.Skipped += s.Skipped
		t.Changes = append(t.Changes, s.Changes...)
		t.Errors = append(t.Errors, s.Errors...)
	}
	return t
}

// FullSyncReport is an upload phase followed by a download phase.
type FullSyncReport struct {
	Upload   SyncReport `json:"upload"`
	Download SyncReport `json:"download"`
}
