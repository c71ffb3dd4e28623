package db

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
)

type assignKey struct {
	changeID int64
	systemID string
}

type watermarkKey struct {
	systemID  string
	direction models.Direction
}

type memoryState struct {
	systems      map[string]models.ExternalSystem
	changes      []models.ChangeRecord
	assignments  map[assignKey]models.Assignment
	watermarks   map[watermarkKey]time.Time
	logs         []models.DeliveryLogEntry
	conflicts    map[string]models.SyncConflict
	nextChangeID int64
	nextLogID    int64
}

func (s *memoryState) clone() *memoryState {
	return &memoryState{
		systems:      maps.Clone(s.systems),
		changes:      slices.Clone(s.changes),
		assignments:  maps.Clone(s.assignments),
		watermarks:   maps.Clone(s.watermarks),
		logs:         slices.Clone(s.logs),
		conflicts:    maps.Clone(s.conflicts),
		nextChangeID: s.nextChangeID,
		nextLogID:    s.nextLogID,
	}
}

// MemoryRepository keeps the sync bookkeeping in process memory. A single
// mutex makes every transaction serializable; rollback restores a snapshot.
type MemoryRepository struct {
	mu   *sync.Mutex
	st   *memoryState
	inTx bool
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		mu: &sync.Mutex{},
		st: &memoryState{
			systems:     map[string]models.ExternalSystem{},
			assignments: map[assignKey]models.Assignment{},
			watermarks:  map[watermarkKey]time.Time{},
			conflicts:   map[string]models.SyncConflict{},
		},
		now: time.Now,
	}
}

func (r *MemoryRepository) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.st.clone()
	tx := &MemoryRepository{mu: r.mu, st: r.st, inTx: true, now: r.now}
	if err := fn(ctx, tx); err != nil {
		*r.st = *snapshot
		return err
	}
	return nil
}

func (r *MemoryRepository) LockEntity(ctx context.Context, entityType, entityID string) error {
	return nil
}

func (r *MemoryRepository) ListSystems(ctx context.Context) ([]models.ExternalSystem, error) {
	defer r.lock()()
	out := make([]models.ExternalSystem, 0, len(r.st.systems))
	for _, sys := range r.st.systems {
		sys.LastUploadWatermark = r.st.watermarks[watermarkKey{sys.ID, models.DirectionUpload}]
		sys.LastDownloadWatermark = r.st.watermarks[watermarkKey{sys.ID, models.DirectionDownload}]
		out = append(out, sys)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) GetSystem(ctx context.Context, id string) (models.ExternalSystem, error) {
	defer r.lock()()
	sys, ok := r.st.systems[id]
	if !ok {
		return models.ExternalSystem{}, common.ErrNotFound
	}
	sys.LastUploadWatermark = r.st.watermarks[watermarkKey{id, models.DirectionUpload}]
	sys.LastDownloadWatermark = r.st.watermarks[watermarkKey{id, models.DirectionDownload}]
	return sys, nil
}

func (r *MemoryRepository) UpsertSystem(ctx context.Context, sys models.ExternalSystem) error {
	defer r.lock()()
	if prev, ok := r.st.systems[sys.ID]; ok {
		sys.LastStatus = prev.LastStatus
		sys.LastSyncAt = prev.LastSyncAt
	}
	sys.LastUploadWatermark = time.Time{}
	sys.LastDownloadWatermark = time.Time{}
	r.st.systems[sys.ID] = sys
	return nil
}

func (r *MemoryRepository) TouchSystem(ctx context.Context, id, status string, at time.Time) error {
	defer r.lock()()
	sys, ok := r.st.systems[id]
	if !ok {
		return common.ErrNotFound
	}
	sys.LastStatus = status
	sys.LastSyncAt = at
	r.st.systems[id] = sys
	return nil
}

func (r *MemoryRepository) LatestChange(ctx context.Context, entityType, entityID string) (*models.ChangeRecord, error) {
	defer r.lock()()
	for i := len(r.st.changes) - 1; i >= 0; i-- {
		c := r.st.changes[i]
		if c.EntityType == entityType && c.EntityID == entityID {
			return &c, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) InFlightChanges(ctx context.Context, entityType, entityID string) ([]models.ChangeRecord, error) {
	defer r.lock()()
	var out []models.ChangeRecord
	for _, c := range r.st.changes {
		if c.EntityType == entityType && c.EntityID == entityID && c.Status.InFlight() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertChange(ctx context.Context, rec *models.ChangeRecord, targets []models.Assignment) error {
	defer r.lock()()
	r.st.nextChangeID++
	rec.ID = r.st.nextChangeID
	if rec.Status == "" {
		rec.Status = models.ChangePending
	}
	r.st.changes = append(r.st.changes, *rec)
	for _, t := range targets {
		r.st.assignments[assignKey{rec.ID, t.SystemID}] = models.Assignment{
			ChangeID:      rec.ID,
			SystemID:      t.SystemID,
			Operation:     t.Operation,
			Status:        models.ChangePending,
			NextAttemptAt: rec.CapturedAt,
			UpdatedAt:     rec.CapturedAt,
		}
	}
	return nil
}

func (r *MemoryRepository) ChangeAssignments(ctx context.Context, changeID int64) ([]models.Assignment, error) {
	defer r.lock()()
	var out []models.Assignment
	for k, a := range r.st.assignments {
		if k.changeID == changeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SystemID < out[j].SystemID })
	return out, nil
}

func (r *MemoryRepository) change(id int64) (*models.ChangeRecord, bool) {
	if id <= 0 || id > int64(len(r.st.changes)) {
		return nil, false
	}
	return &r.st.changes[id-1], true
}

func (r *MemoryRepository) GetChange(ctx context.Context, id int64) (models.ChangeRecord, error) {
	defer r.lock()()
	c, ok := r.change(id)
	if !ok {
		return models.ChangeRecord{}, common.ErrNotFound
	}
	return *c, nil
}

func (r *MemoryRepository) SupersedeChange(ctx context.Context, id int64) error {
	defer r.lock()()
	c, ok := r.change(id)
	if !ok {
		return common.ErrNotFound
	}
	c.Status = models.ChangeSuperseded
	for k, a := range r.st.assignments {
		if k.changeID == id && a.Status != models.ChangeDelivered {
			a.Status = models.ChangeSuperseded
			a.UpdatedAt = r.now()
			r.st.assignments[k] = a
		}
	}
	return nil
}

func (r *MemoryRepository) RequeueChange(ctx context.Context, id int64, systemIDs []string, at time.Time) error {
	defer r.lock()()
	c, ok := r.change(id)
	if !ok {
		return common.ErrNotFound
	}
	if c.Status == models.ChangeSuperseded {
		return fmt.Errorf("change %d is superseded: %w", id, common.ErrInvalidInput)
	}
	for _, sid := range systemIDs {
		k := assignKey{id, sid}
		r.st.assignments[k] = models.Assignment{
			ChangeID:      id,
			SystemID:      sid,
			Operation:     r.st.assignments[k].Operation,
			Status:        models.ChangePending,
			NextAttemptAt: at,
			UpdatedAt:     at,
		}
	}
	r.refreshStatus(id)
	return nil
}

func (r *MemoryRepository) DueDeliveries(ctx context.Context, systemID string, now time.Time, limit int) ([]models.PendingDelivery, error) {
	defer r.lock()()
	var out []models.PendingDelivery
	for k, a := range r.st.assignments {
		if k.systemID != systemID || a.Status != models.ChangePending || a.NextAttemptAt.After(now) {
			continue
		}
		c, _ := r.change(k.changeID)
		out = append(out, models.PendingDelivery{Change: *c, Assignment: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Change.ID < out[j].Change.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ClaimDelivery(ctx context.Context, changeID int64, systemID string) (bool, error) {
	defer r.lock()()
	k := assignKey{changeID, systemID}
	a, ok := r.st.assignments[k]
	if !ok || a.Status != models.ChangePending {
		return false, nil
	}
	a.Status = models.ChangeDelivering
	a.UpdatedAt = r.now()
	r.st.assignments[k] = a
	r.refreshStatus(changeID)
	return true, nil
}

func (r *MemoryRepository) FinishDelivery(ctx context.Context, in models.Assignment) error {
	defer r.lock()()
	k := assignKey{in.ChangeID, in.SystemID}
	a, ok := r.st.assignments[k]
	if !ok {
		return common.ErrNotFound
	}
	if a.Status != models.ChangeDelivering {
		return nil
	}
	a.Status = in.Status
	a.Attempts = in.Attempts
	a.LastError = in.LastError
	a.NextAttemptAt = in.NextAttemptAt
	a.UpdatedAt = r.now()
	r.st.assignments[k] = a
	r.refreshStatus(in.ChangeID)
	return nil
}

func (r *MemoryRepository) RetryFailed(ctx context.Context, systemID string, changeID int64, at time.Time) (int, error) {
	defer r.lock()()
	n := 0
	touched := map[int64]bool{}
	for k, a := range r.st.assignments {
		if a.Status != models.ChangeFailed {
			continue
		}
		if (systemID != "" && k.systemID != systemID) || (changeID != 0 && k.changeID != changeID) {
			continue
		}
		if c, _ := r.change(k.changeID); c.Status == models.ChangeSuperseded {
			continue
		}
		a.Status = models.ChangePending
		a.Attempts = 0
		a.LastError = ""
		a.NextAttemptAt = at
		a.UpdatedAt = at
		r.st.assignments[k] = a
		touched[k.changeID] = true
		n++
	}
	for id := range touched {
		r.refreshStatus(id)
	}
	return n, nil
}

func (r *MemoryRepository) ResetStaleDeliveries(ctx context.Context, olderThan time.Time) (int, error) {
	defer r.lock()()
	n := 0
	touched := map[int64]bool{}
	for k, a := range r.st.assignments {
		if a.Status == models.ChangeDelivering && a.UpdatedAt.Before(olderThan) {
			a.Status = models.ChangePending
			a.UpdatedAt = r.now()
			r.st.assignments[k] = a
			touched[k.changeID] = true
			n++
		}
	}
	for id := range touched {
		r.refreshStatus(id)
	}
	return n, nil
}

// refreshStatus derives the record status from its assignments.
func (r *MemoryRepository) refreshStatus(changeID int64) {
	c, ok := r.change(changeID)
	if !ok || c.Status == models.ChangeSuperseded {
		return
	}
	var delivering, pending, failed bool
	for k, a := range r.st.assignments {
		if k.changeID != changeID {
			continue
		}
		switch a.Status {
		case models.ChangeDelivering:
			delivering = true
		case models.ChangePending:
			pending = true
		case models.ChangeFailed:
			failed = true
		}
	}
	switch {
	case delivering:
		c.Status = models.ChangeDelivering
	case pending:
		c.Status = models.ChangePending
	case failed:
		c.Status = models.ChangeFailed
	default:
		c.Status = models.ChangeDelivered
	}
}

func (r *MemoryRepository) LockWatermark(ctx context.Context, systemID string, dir models.Direction) (time.Time, error) {
	defer r.lock()()
	k := watermarkKey{systemID, dir}
	wm, ok := r.st.watermarks[k]
	if !ok {
		r.st.watermarks[k] = time.Time{}
	}
	return wm, nil
}

func (r *MemoryRepository) SetWatermark(ctx context.Context, systemID string, dir models.Direction, at time.Time) error {
	defer r.lock()()
	r.st.watermarks[watermarkKey{systemID, dir}] = at
	return nil
}

func (r *MemoryRepository) EarliestUndelivered(ctx context.Context, systemID string) (*time.Time, error) {
	defer r.lock()()
	var earliest *time.Time
	for k, a := range r.st.assignments {
		if k.systemID != systemID {
			continue
		}
		if a.Status != models.ChangePending && a.Status != models.ChangeDelivering && a.Status != models.ChangeFailed {
			continue
		}
		c, _ := r.change(k.changeID)
		if earliest == nil || c.CapturedAt.Before(*earliest) {
			t := c.CapturedAt
			earliest = &t
		}
	}
	return earliest, nil
}

func (r *MemoryRepository) LatestDeliveredBefore(ctx context.Context, systemID string, bound *time.Time) (*time.Time, error) {
	defer r.lock()()
	var latest *time.Time
	for k, a := range r.st.assignments {
		if k.systemID != systemID || a.Status != models.ChangeDelivered {
			continue
		}
		c, _ := r.change(k.changeID)
		if bound != nil && !c.CapturedAt.Before(*bound) {
			continue
		}
		if latest == nil || c.CapturedAt.After(*latest) {
			t := c.CapturedAt
			latest = &t
		}
	}
	return latest, nil
}

func (r *MemoryRepository) AppendDeliveryLog(ctx context.Context, entry *models.DeliveryLogEntry) error {
	defer r.lock()()
	r.st.nextLogID++
	entry.ID = r.st.nextLogID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	r.st.logs = append(r.st.logs, *entry)
	return nil
}

func (r *MemoryRepository) ListDeliveryLog(ctx context.Context, filter models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error) {
	defer r.lock()()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []models.DeliveryLogEntry
	for i := len(r.st.logs) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.st.logs[i]
		if filter.SystemID != "" && e.SystemID != filter.SystemID {
			continue
		}
		if filter.ChangeID != 0 && (e.ChangeRecordID == nil || *e.ChangeRecordID != filter.ChangeID) {
			continue
		}
		if filter.Direction != "" && e.Direction != filter.Direction {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *MemoryRepository) PendingConflictFor(ctx context.Context, entityType, entityID string) (*models.SyncConflict, error) {
	defer r.lock()()
	for _, c := range r.st.conflicts {
		if c.EntityType == entityType && c.EntityID == entityID && c.Resolution == models.ResolutionPending {
			return &c, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) InsertConflict(ctx context.Context, in *models.SyncConflict) error {
	defer r.lock()()
	if _, ok := r.st.conflicts[in.ID]; ok {
		return fmt.Errorf("conflict %s already exists: %w", in.ID, common.ErrInvalidInput)
	}
	for _, c := range r.st.conflicts {
		if c.EntityType == in.EntityType && c.EntityID == in.EntityID && c.Resolution == models.ResolutionPending {
			return fmt.Errorf("pending conflict already open for %s/%s: %w", in.EntityType, in.EntityID, common.ErrInvalidInput)
		}
	}
	r.st.conflicts[in.ID] = *in
	return nil
}

func (r *MemoryRepository) RefreshConflictSnapshot(ctx context.Context, id string, op models.Operation, snapshot []byte, remoteTS time.Time) error {
	defer r.lock()()
	c, ok := r.st.conflicts[id]
	if !ok {
		return common.ErrNotFound
	}
	if c.Resolution != models.ResolutionPending {
		return common.ErrConflictAlreadyResolved
	}
	c.RemoteOperation = op
	c.RemoteSnapshot = slices.Clone(snapshot)
	c.RemoteTimestamp = remoteTS
	r.st.conflicts[id] = c
	return nil
}

func (r *MemoryRepository) GetConflict(ctx context.Context, id string) (models.SyncConflict, error) {
	defer r.lock()()
	c, ok := r.st.conflicts[id]
	if !ok {
		return models.SyncConflict{}, common.ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepository) ResolveConflict(ctx context.Context, id string, resolution models.Resolution, at time.Time) error {
	defer r.lock()()
	c, ok := r.st.conflicts[id]
	if !ok {
		return common.ErrNotFound
	}
	if c.Resolution != models.ResolutionPending {
		return common.ErrConflictAlreadyResolved
	}
	c.Resolution = resolution
	c.ResolvedAt = &at
	r.st.conflicts[id] = c
	return nil
}

func (r *MemoryRepository) ListConflicts(ctx context.Context, resolution models.Resolution) ([]models.SyncConflict, error) {
	defer r.lock()()
	var out []models.SyncConflict
	for _, c := range r.st.conflicts {
		if resolution == "" || c.Resolution == resolution {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

func (r *MemoryRepository) CountsBySystem(ctx context.Context) (map[string]models.SystemCounts, error) {
	defer r.lock()()
	out := map[string]models.SystemCounts{}
	for k, a := range r.st.assignments {
		counts := out[k.systemID]
		switch a.Status {
		case models.ChangePending, models.ChangeDelivering:
			counts.Pending++
		case models.ChangeFailed:
			counts.Failed++
		}
		out[k.systemID] = counts
	}
	for _, c := range r.st.conflicts {
		if c.Resolution == models.ResolutionPending {
			counts := out[c.SystemID]
			counts.PendingConflicts++
			out[c.SystemID] = counts
		}
	}
	return out, nil
}

func (r *MemoryRepository) OutboxCounts(ctx context.Context) (models.SystemCounts, error) {
	defer r.lock()()
	var counts models.SystemCounts
	for _, c := range r.st.changes {
		switch c.Status {
		case models.ChangePending, models.ChangeDelivering:
			counts.Pending++
		case models.ChangeFailed:
			counts.Failed++
		}
	}
	for _, c := range r.st.conflicts {
		if c.Resolution == models.ResolutionPending {
			counts.PendingConflicts++
		}
	}
	return counts, nil
}
