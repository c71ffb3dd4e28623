// Package lease provides expiring, non-reentrant named locks that keep two
// sync runs of the same direction and system from overlapping.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/common"
)

type Lease struct {
	Name       string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Locker hands out leases. Acquire on a live lease returns a *HeldError,
// even when the caller itself is the holder.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, l *Lease) error
	// Renew pushes the expiry of a lease still owned by l.Holder to now+ttl.
	// It returns common.ErrLeaseNotHeld once another holder took over.
	Renew(ctx context.Context, l *Lease, ttl time.Duration) error
	// Holder reports the current holder of a live lease.
	Holder(ctx context.Context, name string) (string, bool, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// HeldError is returned when another run holds the lease.
type HeldError struct {
	Name   string
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lease %s held by %s", e.Name, e.Holder)
}

func (e *HeldError) Unwrap() error { return common.ErrSyncInProgress }

// Name builds the lease key for one (direction, system) pair.
func Name(direction, systemID string) string {
	return "sync:" + direction + ":" + systemID
}
