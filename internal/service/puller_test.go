package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/internal/webhook"
)

const mixedFeed = `[
	{"entityType":"customers","entityId":"C1","operation":"create","payload":{"name":"Lin"},"remoteTimestamp":"2025-03-01T08:00:00Z"},
	{"entityType":"customers","entityId":"C2","operation":"merge","remoteTimestamp":"2025-03-01T08:30:00Z"},
	{"entityType":"widgets","entityId":"W1","operation":"create","payload":{},"remoteTimestamp":"2025-03-01T08:45:00Z"},
	{"entityType":"orders","entityId":"O1","operation":"create","payload":{"total":10},"remoteTimestamp":"2025-03-01T09:00:00Z"}
]`

func TestDownloadAppliesAndSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	erp.setFeed(http.StatusOK, mixedFeed)
	h := newHarness(t, erp.system("erp"))

	report, err := h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	totals := report.Totals()
	assert.Equal(t, 4, totals.Fetched)
	assert.Equal(t, 2, totals.Applied)
	assert.Equal(t, 2, totals.Skipped)
	require.Len(t, totals.Changes, 2)
	assert.Equal(t, "C1", totals.Changes[0].EntityID)
	assert.Equal(t, outcomeApplied, totals.Changes[0].Outcome)

	payload, err := h.store.Get(ctx, "customers", "C1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Lin"}`, string(payload))
	_, err = h.store.Get(ctx, "orders", "O1")
	require.NoError(t, err)

	wm := h.system(t, "erp").LastDownloadWatermark
	assert.True(t, wm.Equal(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)), wm)

	logs := h.logs(t, "erp")
	require.Len(t, logs, 4)
	var failures int
	for _, l := range logs {
		assert.Equal(t, models.DirectionDownload, l.Direction)
		if l.Status == models.DeliveryFailure {
			failures++
		}
	}
	assert.Equal(t, 2, failures)

	// The next pull resumes from the watermark; re-applying the same feed is harmless.
	_, err = h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "2025-03-01T09:00:00Z"}, erp.feedSince)
	assert.True(t, h.system(t, "erp").LastDownloadWatermark.Equal(wm))
}

func TestDownloadSinceOverride(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	h := newHarness(t, erp.system("erp"))

	since := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := h.orch.DownloadChanges(ctx, &since)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-02-01T00:00:00Z"}, erp.feedSince)
}

func TestDownloadTransportFailureIsolatedToSystem(t *testing.T) {
	ctx := context.Background()
	erp, crm := newMockSystem(t), newMockSystem(t)
	erp.setFeed(http.StatusServiceUnavailable, `{"error":"maintenance"}`)
	crm.setFeed(http.StatusOK, `[{"entityType":"customers","entityId":"C1","operation":"delete","remoteTimestamp":"2025-03-01T08:00:00Z"}]`)
	h := newHarness(t, erp.system("erp"), crm.system("crm"))
	h.store.Put("customers", "C1", []byte(`{"name":"gone"}`))

	report, err := h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	require.Len(t, report.Systems, 2)

	byID := map[string]SystemReport{}
	for _, s := range report.Systems {
		byID[s.SystemID] = s
	}
	var te *common.TransportError
	require.ErrorAs(t, byID["erp"].Err(), &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, 1, byID["crm"].Applied)

	_, err = h.store.Get(ctx, "customers", "C1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, "error", h.system(t, "erp").LastStatus)
	assert.True(t, h.system(t, "erp").LastDownloadWatermark.IsZero())
}

func TestDownloadStoreFailureStopsBatch(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	erp.setFeed(http.StatusOK, mixedFeed)
	h := newHarness(t, erp.system("erp"))
	h.store.FailWith = errors.New("disk full")

	report, err := h.orch.DownloadChanges(ctx, nil)
	require.ErrorIs(t, err, common.ErrBookkeeping)
	assert.ErrorContains(t, err, "disk full")
	totals := report.Totals()
	assert.Zero(t, totals.Applied)
	require.Len(t, totals.Errors, 1)
	assert.Contains(t, totals.Errors[0], "disk full")
	assert.True(t, h.system(t, "erp").LastDownloadWatermark.IsZero())
}

func TestDownloadSkipsChangesTheStoreRejects(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	erp.setFeed(http.StatusOK, `[{"entityType":"customers","entityId":"C1","operation":"update","payload":{"NOME) VALUES (1); --":"x"},"remoteTimestamp":"2025-03-01T08:00:00Z"}]`)
	h := newHarness(t, erp.system("erp"))
	h.store.FailWith = fmt.Errorf("column name is not a plain identifier: %w", common.ErrInvalidInput)

	report, err := h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Totals().Skipped)
	assert.Zero(t, report.Totals().Applied)
	assert.True(t, h.system(t, "erp").LastDownloadWatermark.Equal(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)))

	logs := h.logs(t, "erp")
	require.Len(t, logs, 1)
	assert.Equal(t, models.DeliveryFailure, logs[0].Status)
}

func TestDownloadPagesThroughTimestampTies(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	at := func(hour int) time.Time { return time.Date(2025, 3, 1, hour, 0, 0, 0, time.UTC) }
	change := func(id string, ts time.Time) models.RemoteChange {
		return models.RemoteChange{
			EntityType:      "customers",
			EntityID:        id,
			Operation:       models.OpCreate,
			Payload:         []byte(`{"name":"` + id + `"}`),
			RemoteTimestamp: ts,
		}
	}
	erp.setChanges(change("C0", at(7)), change("C1", at(8)), change("C2", at(8)), change("C3", at(8)))

	settings := testSettings()
	settings.BatchSize = 2
	h := newHarnessWith(t, []harnessOption{withSettings(settings)}, erp.system("erp"))

	report, err := h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Totals().Applied, "C1 waits for the rest of its timestamp")
	assert.True(t, h.system(t, "erp").LastDownloadWatermark.Equal(at(7)))

	report, err = h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Totals().Applied)
	assert.True(t, h.system(t, "erp").LastDownloadWatermark.Equal(at(8)))

	report, err = h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, report.Totals().Fetched)

	for _, id := range []string{"C0", "C1", "C2", "C3"} {
		_, err := h.store.Get(ctx, "customers", id)
		require.NoError(t, err, id)
	}
	assert.Equal(t, []string{"2", "2", "4", "2"}, erp.feedLimit)
}

func TestIdenticalOrAcknowledgedRemoteIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	h := newHarness(t, erp.system("erp"))

	local := h.record(t, "C1", models.OpUpdate, `{"name":"Same","phone":"1"}`)
	h.record(t, "C2", models.OpUpdate, `{"name":"Local"}`)
	erp.setFeed(http.StatusOK, `[
		{"entityType":"customers","entityId":"C1","operation":"update","payload":{"phone":"1","name":"Same"},"remoteTimestamp":"2025-03-01T09:00:00Z"},
		{"entityType":"customers","entityId":"C2","operation":"update","payload":{"name":"Remote"},"baseVersion":1,"remoteTimestamp":"2025-03-01T09:01:00Z"}
	]`)

	report, err := h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Totals().Applied)
	assert.Zero(t, report.Totals().Conflicts)
	assert.Equal(t, models.ChangePending, h.change(t, local.ID).Status)
}

func TestLaterRemoteRefreshesPendingConflict(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	h := newHarness(t, erp.system("erp"))

	h.record(t, "C1", models.OpUpdate, `{"name":"Local"}`)
	erp.setFeed(http.StatusOK, `[{"entityType":"customers","entityId":"C1","operation":"update","payload":{"name":"R1"},"remoteTimestamp":"2025-03-01T09:00:00Z"}]`)
	_, err := h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)

	erp.setFeed(http.StatusOK, `[{"entityType":"customers","entityId":"C1","operation":"delete","remoteTimestamp":"2025-03-01T09:05:00Z"}]`)
	report, err := h.orch.DownloadChanges(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, outcomeConflictRefreshed, report.Totals().Changes[0].Outcome)

	conflicts, err := h.orch.ListConflicts(ctx, "")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.OpDelete, conflicts[0].RemoteOperation)
	assert.True(t, conflicts[0].RemoteTimestamp.Equal(time.Date(2025, 3, 1, 9, 5, 0, 0, time.UTC)))

	_, err = h.orch.ResolveConflict(ctx, conflicts[0].ID, "remote")
	require.NoError(t, err)
	_, err = h.store.Get(ctx, "customers", "C1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReceivePushVerifiesSignature(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	h := newHarness(t, erp.system("erp"))

	body := []byte(`{"entityType":"products","entityId":"P1","operation":"update","payload":{"price":12.5},"remoteTimestamp":"2025-03-01T09:00:00Z"}`)
	ts := h.clock.Now().Format(time.RFC3339)

	header := http.Header{}
	header.Set(webhook.HeaderTimestamp, ts)
	header.Set(webhook.HeaderSignature, webhook.Sign("wrong", ts, body))
	_, err := h.orch.ReceivePush(ctx, "erp", body, header)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	header.Set(webhook.HeaderSignature, webhook.Sign(testSecret, ts, body))
	report, err := h.orch.ReceivePush(ctx, "erp", body, header)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	payload, err := h.store.Get(ctx, "products", "P1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":12.5}`, string(payload))

	logs := h.logs(t, "erp")
	require.Len(t, logs, 1)
	assert.Equal(t, "receive.product.updated", logs[0].EventType)
	assert.True(t, h.system(t, "erp").LastDownloadWatermark.IsZero())
}

func TestReceivePushAcceptsBearerToken(t *testing.T) {
	ctx := context.Background()
	erp := newMockSystem(t)
	h := newHarness(t, erp.system("erp"))

	token, err := webhook.IssueToken(testSecret, "erp", time.Now(), time.Minute)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	report, err := h.orch.ReceivePush(ctx, "erp", []byte(`[]`), header)
	require.NoError(t, err)
	assert.Zero(t, report.Fetched)

	_, err = h.orch.ReceivePush(ctx, "crm", []byte(`[]`), header)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
