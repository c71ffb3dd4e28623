package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-hub/internal/db"
	"github.com/Guizzs26/go-sync-hub/internal/lease"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/internal/webhook"
)

const testSecret = "s3cret"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// mockSystem is an external system: it accepts webhooks on /hook and serves
// a change feed on /hook/changes.
type mockSystem struct {
	mu         sync.Mutex
	events     []models.WebhookEvent
	eventIDs   []string
	respond    func(models.WebhookEvent) int
	feed       string
	feedStatus int
	feedSince  []string
	feedLimit  []string
	// changes, when set, is served in timestamp order honoring since and limit.
	changes []models.RemoteChange
	srv     *httptest.Server
}

func newMockSystem(t *testing.T) *mockSystem {
	m := &mockSystem{feed: `[]`, feedStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev models.WebhookEvent
		_ = json.Unmarshal(body, &ev)

		m.mu.Lock()
		m.events = append(m.events, ev)
		m.eventIDs = append(m.eventIDs, r.Header.Get(webhook.HeaderEventID))
		respond := m.respond
		m.mu.Unlock()

		status := http.StatusOK
		if respond != nil {
			status = respond(ev)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"received":true}`))
	})
	mux.HandleFunc("GET /hook/changes", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.feedSince = append(m.feedSince, r.URL.Query().Get("since"))
		m.feedLimit = append(m.feedLimit, r.URL.Query().Get("limit"))
		status, feed := m.feedStatus, m.feed
		if m.changes != nil {
			feed = m.page(r.URL.Query().Get("since"), r.URL.Query().Get("limit"))
		}
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(feed))
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockSystem) system(id string) models.ExternalSystem {
	return models.ExternalSystem{
		ID:          id,
		Name:        id,
		EndpointURL: m.srv.URL + "/hook",
		AuthSecret:  testSecret,
		Enabled:     true,
	}
}

func (m *mockSystem) setRespond(fn func(models.WebhookEvent) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
}

func (m *mockSystem) setFeed(status int, feed string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedStatus, m.feed = status, feed
}

func (m *mockSystem) setChanges(changes ...models.RemoteChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = changes
	sort.SliceStable(m.changes, func(i, j int) bool {
		return m.changes[i].RemoteTimestamp.Before(m.changes[j].RemoteTimestamp)
	})
}

// page serves changes strictly after since, at most limit of them.
func (m *mockSystem) page(since, limit string) string {
	var after time.Time
	if since != "" {
		after, _ = time.Parse(time.RFC3339Nano, since)
	}
	n, _ := strconv.Atoi(limit)

	out := []models.RemoteChange{}
	for _, c := range m.changes {
		if !c.RemoteTimestamp.After(after) {
			continue
		}
		if n > 0 && len(out) == n {
			break
		}
		out = append(out, c)
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

func (m *mockSystem) received() []models.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.WebhookEvent(nil), m.events...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.OpsEvent
}

func (n *recordingNotifier) Publish(ctx context.Context, routingKey string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ev, ok := payload.(models.OpsEvent); ok {
		n.events = append(n.events, ev)
	}
	return nil
}

func (n *recordingNotifier) ofType(typ string) []models.OpsEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.OpsEvent
	for _, ev := range n.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	repo     *db.MemoryRepository
	store    *db.MemoryEntityStore
	locker   *lease.MemoryLocker
	notifier *recordingNotifier
	clock    *fakeClock
	orch     *Orchestrator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() Settings {
	return Settings{
		BatchSize:           100,
		MaxDeliveryAttempts: 3,
		DeliveryConcurrency: 4,
		IdempotencyWindow:   10 * time.Second,
		LeaseTTL:            time.Minute,
	}
}

type harnessOption func(*Deps)

func withSettings(s Settings) harnessOption {
	return func(d *Deps) { d.Settings = s }
}

// withRepo puts wrap around the memory repository the engine talks to.
func withRepo(wrap func(db.Repository) db.Repository) harnessOption {
	return func(d *Deps) { d.Repo = wrap(d.Repo) }
}

func newHarness(t *testing.T, systems ...models.ExternalSystem) *harness {
	t.Helper()
	return newHarnessWith(t, nil, systems...)
}

func newHarnessWith(t *testing.T, opts []harnessOption, systems ...models.ExternalSystem) *harness {
	t.Helper()
	h := &harness{
		repo:     db.NewMemoryRepository(),
		store:    db.NewMemoryEntityStore(),
		locker:   lease.NewMemory(),
		notifier: &recordingNotifier{},
		clock:    newFakeClock(),
	}
	deps := Deps{
		Repo:     h.repo,
		Store:    h.store,
		Client:   webhook.NewClient(webhook.ClientOptions{DefaultTimeout: 5 * time.Second}),
		Locker:   h.locker,
		Notifier: h.notifier,
		Settings: testSettings(),
		Logger:   testLogger(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.orch = NewOrchestrator(deps)
	h.orch.setClock(h.clock.Now)
	for _, sys := range systems {
		require.NoError(t, h.orch.SaveSystem(context.Background(), sys))
	}
	return h
}

// failingRepo makes selected bookkeeping calls fail, inside transactions too.
type failingRepo struct {
	db.Repository
	setWatermarkErr error
}

func (r *failingRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx db.Repository) error) error {
	return r.Repository.InTx(ctx, func(ctx context.Context, tx db.Repository) error {
		return fn(ctx, &failingRepo{Repository: tx, setWatermarkErr: r.setWatermarkErr})
	})
}

func (r *failingRepo) SetWatermark(ctx context.Context, systemID string, dir models.Direction, at time.Time) error {
	if r.setWatermarkErr != nil {
		return r.setWatermarkErr
	}
	return r.Repository.SetWatermark(ctx, systemID, dir, at)
}

func (h *harness) record(t *testing.T, entityID string, op models.Operation, payload string) models.ChangeRecord {
	t.Helper()
	rec, err := h.orch.RecordChange(context.Background(), models.ChangeInput{
		EntityType: "customers",
		EntityID:   entityID,
		Operation:  op,
		Payload:    json.RawMessage(payload),
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) change(t *testing.T, id int64) models.ChangeRecord {
	t.Helper()
	c, err := h.repo.GetChange(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) system(t *testing.T, id string) models.ExternalSystem {
	t.Helper()
	sys, err := h.repo.GetSystem(context.Background(), id)
	require.NoError(t, err)
	return sys
}

func (h *harness) logs(t *testing.T, systemID string) []models.DeliveryLogEntry {
	t.Helper()
	entries, err := h.repo.ListDeliveryLog(context.Background(), models.DeliveryLogFilter{SystemID: systemID})
	require.NoError(t, err)
	return entries
}
