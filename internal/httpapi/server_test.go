package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/internal/service"
	"github.com/Guizzs26/go-sync-hub/internal/webhook"
)

// stubEngine answers with canned values and records the arguments it saw.
type stubEngine struct {
	upload   service.SyncReport
	download service.SyncReport
	full     service.FullSyncReport
	err      error

	since      *time.Time
	resolvedID string
	resolution string
	filter     models.DeliveryLogFilter
	saved      models.ExternalSystem
	pushBody   []byte
	pushReport service.SystemReport
	testResult webhook.Result
}

func (e *stubEngine) RecordChange(ctx context.Context, in models.ChangeInput) (models.ChangeRecord, error) {
	if e.err != nil {
		return models.ChangeRecord{}, e.err
	}
	return models.ChangeRecord{ID: 7, EntityType: in.EntityType, EntityID: in.EntityID, Operation: in.Operation}, nil
}

func (e *stubEngine) UploadPending(ctx context.Context) (service.SyncReport, error) {
	return e.upload, e.err
}

func (e *stubEngine) DownloadChanges(ctx context.Context, since *time.Time) (service.SyncReport, error) {
	e.since = since
	return e.download, e.err
}

func (e *stubEngine) FullSync(ctx context.Context, since *time.Time) (service.FullSyncReport, error) {
	e.since = since
	return e.full, e.err
}

func (e *stubEngine) Status(ctx context.Context) (models.SyncStatus, error) {
	return models.SyncStatus{PendingChanges: 3, PendingConflicts: 1}, e.err
}

func (e *stubEngine) ResolveConflict(ctx context.Context, conflictID, resolution string) (models.SyncConflict, error) {
	e.resolvedID, e.resolution = conflictID, resolution
	if e.err != nil {
		return models.SyncConflict{}, e.err
	}
	return models.SyncConflict{ID: conflictID, Resolution: models.Resolution(resolution)}, nil
}

func (e *stubEngine) ListConflicts(ctx context.Context, resolution string) ([]models.SyncConflict, error) {
	return nil, e.err
}

func (e *stubEngine) RetryFailed(ctx context.Context, systemID string, changeID int64) (int, error) {
	return 2, e.err
}

func (e *stubEngine) ListDeliveries(ctx context.Context, filter models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error) {
	e.filter = filter
	return nil, e.err
}

func (e *stubEngine) ListSystems(ctx context.Context) ([]models.ExternalSystem, error) {
	return []models.ExternalSystem{{ID: "crm"}}, e.err
}

func (e *stubEngine) GetSystem(ctx context.Context, id string) (models.ExternalSystem, error) {
	if e.err != nil {
		return models.ExternalSystem{}, e.err
	}
	if e.saved.ID == id {
		return e.saved, nil
	}
	return models.ExternalSystem{}, fmt.Errorf("system %q: %w", id, common.ErrNotFound)
}

func (e *stubEngine) SaveSystem(ctx context.Context, sys models.ExternalSystem) error {
	if e.err != nil {
		return e.err
	}
	e.saved = sys
	return nil
}

func (e *stubEngine) TestSystem(ctx context.Context, id string) (webhook.Result, error) {
	return e.testResult, e.err
}

func (e *stubEngine) ReceivePush(ctx context.Context, systemID string, body []byte, header http.Header) (service.SystemReport, error) {
	e.pushBody = body
	return e.pushReport, e.err
}

func newTestServer(engine Engine, token string) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(engine, ServerConfig{APIToken: token, MaxBodyBytes: 1024}, logger)
}

func doRequest(t *testing.T, s *Server, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Correlation-Id", "corr-1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealthNeedsNoToken(t *testing.T) {
	s := newTestServer(&stubEngine{}, "secret")
	rec, body := doRequest(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestSyncRoutesRequireBearerToken(t *testing.T) {
	s := newTestServer(&stubEngine{}, "secret")

	rec, body := doRequest(t, s, http.MethodGet, "/v1/sync/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", body["code"])
	assert.Equal(t, "corr-1", body["correlationId"])

	rec, _ = doRequest(t, s, http.MethodGet, "/v1/sync/status", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = doRequest(t, s, http.MethodGet, "/v1/sync/status", "", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["pendingChanges"])
}

func TestUploadSummarizesReport(t *testing.T) {
	engine := &stubEngine{upload: service.SyncReport{
		Direction: models.DirectionUpload,
		Systems: []service.SystemReport{
			{SystemID: "crm", Delivered: 2, Retrying: 1, Errors: []string{"change 4: HTTP 500"}},
			{SystemID: "erp", Delivered: 1, Failed: 1},
		},
	}}
	s := newTestServer(engine, "")

	rec, body := doRequest(t, s, http.MethodPost, "/v1/sync/upload", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["uploaded"])
	assert.EqualValues(t, 2, body["failed"], "retrying attempts count as failed")
	assert.EqualValues(t, 1, body["retrying"])
	assert.Equal(t, []any{"change 4: HTTP 500"}, body["errors"])
	assert.Len(t, body["systems"], 2)
}

func TestDownloadPassesSinceOverride(t *testing.T) {
	engine := &stubEngine{download: service.SyncReport{Systems: []service.SystemReport{{
		SystemID: "crm",
		Applied:  1,
		Changes:  []service.ChangeOutcome{{EntityType: "customer", EntityID: "9", Outcome: "applied"}},
	}}}}
	s := newTestServer(engine, "")

	rec, body := doRequest(t, s, http.MethodPost, "/v1/sync/download", `{"since":"2025-01-02T03:04:05Z"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, engine.since)
	assert.True(t, engine.since.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.EqualValues(t, 1, body["downloaded"])
	assert.Len(t, body["changes"], 1)

	engine.since = nil
	rec, body = doRequest(t, s, http.MethodPost, "/v1/sync/download", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, engine.since)
	assert.Equal(t, []any{}, body["errors"])
}

func TestDownloadRejectsMalformedBody(t *testing.T) {
	s := newTestServer(&stubEngine{}, "")
	rec, body := doRequest(t, s, http.MethodPost, "/v1/sync/download", `{"since":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", body["code"])
}

func TestFullSyncAllBusyIsConflict(t *testing.T) {
	busy := service.SyncReport{Systems: []service.SystemReport{{SystemID: "crm", Busy: true}}}
	engine := &stubEngine{
		full: service.FullSyncReport{Upload: busy, Download: busy},
		err:  &common.ConcurrencyError{SystemID: "crm", Direction: "upload"},
	}
	s := newTestServer(engine, "")

	rec, body := doRequest(t, s, http.MethodPost, "/v1/sync/full", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body, "upload")
	assert.Contains(t, body, "download")
}

func TestSyncBookkeepingFailureIsInternalError(t *testing.T) {
	storeErr := fmt.Errorf("%w: upload sync of crm: %w", common.ErrBookkeeping, fmt.Errorf("set watermark: %w", common.ErrNotFound))
	busy := &common.ConcurrencyError{SystemID: "erp", Direction: "upload"}
	engine := &stubEngine{
		upload: service.SyncReport{Systems: []service.SystemReport{{SystemID: "crm", Delivered: 1}}},
		full: service.FullSyncReport{Upload: service.SyncReport{Systems: []service.SystemReport{
			{SystemID: "crm", Delivered: 1},
			{SystemID: "erp", Busy: true},
		}}},
		err: errors.Join(storeErr, busy),
	}
	s := newTestServer(engine, "")

	rec, body := doRequest(t, s, http.MethodPost, "/v1/sync/upload", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", body["code"])

	rec, body = doRequest(t, s, http.MethodPost, "/v1/sync/full", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", body["code"])
}

func TestResolveConflictAcceptsChangeIDAlias(t *testing.T) {
	engine := &stubEngine{}
	s := newTestServer(engine, "")

	rec, body := doRequest(t, s, http.MethodPost, "/v1/sync/conflicts/resolve", `{"changeId":"abc","resolution":"remote"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", engine.resolvedID)
	assert.Equal(t, "remote", body["resolution"])

	rec, _ = doRequest(t, s, http.MethodPost, "/v1/sync/conflicts/resolve", `{"resolution":"remote"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEngineErrorsMapToStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid resolution", common.ErrInvalidResolution, http.StatusBadRequest, "invalid_input"},
		{"validation", &common.ValidationError{SystemID: "crm", Index: 0, Err: errors.New("unknown entity")}, http.StatusBadRequest, "invalid_input"},
		{"not found", fmt.Errorf("conflict x: %w", common.ErrNotFound), http.StatusNotFound, "not_found"},
		{"already resolved", common.ErrConflictAlreadyResolved, http.StatusConflict, "already_resolved"},
		{"busy", common.ErrSyncInProgress, http.StatusConflict, "sync_in_progress"},
		{"unauthorized", common.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&stubEngine{err: tt.err}, "")
			rec, body := doRequest(t, s, http.MethodPost, "/v1/sync/conflicts/resolve", `{"conflictId":"x","resolution":"local"}`, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestDeliveriesQueryParsing(t *testing.T) {
	engine := &stubEngine{}
	s := newTestServer(engine, "")

	rec, body := doRequest(t, s, http.MethodGet, "/v1/sync/deliveries?systemId=crm&changeId=12&limit=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.DeliveryLogFilter{SystemID: "crm", ChangeID: 12, Limit: 5}, engine.filter)
	assert.Equal(t, []any{}, body["deliveries"])

	rec, _ = doRequest(t, s, http.MethodGet, "/v1/sync/deliveries?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = doRequest(t, s, http.MethodGet, "/v1/sync/deliveries?changeId=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutSystemKeepsSecretOutOfResponse(t *testing.T) {
	engine := &stubEngine{}
	s := newTestServer(engine, "")

	payload := `{"name":"CRM","endpointUrl":"https://crm.example.com/hook","authSecret":"k","enabled":true,"events":["customer.*"]}`
	rec, body := doRequest(t, s, http.MethodPut, "/v1/sync/systems/crm", payload, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "crm", engine.saved.ID)
	assert.Equal(t, "k", engine.saved.AuthSecret)
	assert.Equal(t, "crm", body["id"])
	assert.NotContains(t, body, "authSecret")
}

func TestTestSystemReportsTransportFailureInBody(t *testing.T) {
	engine := &stubEngine{
		testResult: webhook.Result{StatusCode: 503, Duration: 20 * time.Millisecond},
		err:        &common.TransportError{SystemID: "crm", StatusCode: 503, Err: errors.New("unavailable")},
	}
	s := newTestServer(engine, "")

	rec, body := doRequest(t, s, http.MethodPost, "/v1/sync/systems/crm/test", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.EqualValues(t, 503, body["httpStatus"])
	assert.NotEmpty(t, body["error"])
}

func TestInboundWebhookBypassesAPITokenAndLimitsBody(t *testing.T) {
	engine := &stubEngine{pushReport: service.SystemReport{SystemID: "crm", Fetched: 1, Applied: 1}}
	s := newTestServer(engine, "secret")

	rec, body := doRequest(t, s, http.MethodPost, "/v1/webhooks/crm", `[{"entityType":"customer"}]`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 1, body["applied"])
	assert.Equal(t, `[{"entityType":"customer"}]`, string(engine.pushBody))

	rec, body = doRequest(t, s, http.MethodPost, "/v1/webhooks/crm", strings.Repeat("x", 2048), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", body["code"])
}
