// Package common defines the sentinel and typed errors shared by the sync
// engine, its stores and its HTTP surface. Callers match them with errors.Is
// and errors.As.
package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	// Conflict resolution.
	ErrInvalidResolution       = errors.New("invalid resolution")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")

	// Concurrency.
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrLeaseNotHeld   = errors.New("lease not held")

	// Engine store or watermark failure that aborts a sync phase.
	ErrBookkeeping = errors.New("sync bookkeeping failed")

	// Registry.
	ErrSystemDisabled = errors.New("external system disabled")

	// Inbound authentication.
	ErrUnauthorized = errors.New("unauthorized")
)

// TransportError wraps a network, timeout or non-2xx failure talking to an
// external system. It is retried and never aborts sibling work.
type TransportError struct {
	SystemID   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error (system %s, http %d): %v", e.SystemID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error (system %s): %v", e.SystemID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError marks a malformed record coming from a remote source.
type ValidationError struct {
	SystemID string
	Index    int
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid remote record #%d from system %s: %v", e.Index, e.SystemID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConfigurationError marks a disabled or misconfigured external system.
type ConfigurationError struct {
	SystemID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("system %s misconfigured: %s", e.SystemID, e.Reason)
}

// ConcurrencyError is returned when the (direction, system) lease is already held.
type ConcurrencyError struct {
	SystemID  string
	Direction string
	Holder    string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s sync for system %s already in progress (holder %s)", e.Direction, e.SystemID, e.Holder)
}

func (e *ConcurrencyError) Unwrap() error { return ErrSyncInProgress }
