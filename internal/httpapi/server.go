// Package httpapi exposes the sync engine over HTTP: sync triggers, status,
// conflict resolution, system registry and inbound webhooks.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/internal/service"
	"github.com/Guizzs26/go-sync-hub/internal/webhook"
)

// Engine is the orchestrator surface served over HTTP.
type Engine interface {
	RecordChange(ctx context.Context, in models.ChangeInput) (models.ChangeRecord, error)
	UploadPending(ctx context.Context) (service.SyncReport, error)
	DownloadChanges(ctx context.Context, since *time.Time) (service.SyncReport, error)
	FullSync(ctx context.Context, since *time.Time) (service.FullSyncReport, error)
	Status(ctx context.Context) (models.SyncStatus, error)
	ResolveConflict(ctx context.Context, conflictID, resolution string) (models.SyncConflict, error)
	ListConflicts(ctx context.Context, resolution string) ([]models.SyncConflict, error)
	RetryFailed(ctx context.Context, systemID string, changeID int64) (int, error)
	ListDeliveries(ctx context.Context, filter models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error)
	ListSystems(ctx context.Context) ([]models.ExternalSystem, error)
	GetSystem(ctx context.Context, id string) (models.ExternalSystem, error)
	SaveSystem(ctx context.Context, sys models.ExternalSystem) error
	TestSystem(ctx context.Context, id string) (webhook.Result, error)
	ReceivePush(ctx context.Context, systemID string, body []byte, header http.Header) (service.SystemReport, error)
}

type ServerConfig struct {
	APIToken     string
	MaxBodyBytes int64
}

type Server struct {
	engine Engine
	cfg    ServerConfig
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(engine Engine, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{engine: engine, cfg: cfg, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("POST /v1/webhooks/{systemId}", s.handleInboundWebhook)

	s.handle("POST /v1/sync/upload", s.handleUpload)
	s.handle("POST /v1/sync/download", s.handleDownload)
	s.handle("POST /v1/sync/full", s.handleFullSync)
	s.handle("GET /v1/sync/status", s.handleStatus)
	s.handle("POST /v1/sync/changes", s.handleRecordChange)
	s.handle("GET /v1/sync/conflicts", s.handleListConflicts)
	s.handle("POST /v1/sync/conflicts/resolve", s.handleResolveConflict)
	s.handle("POST /v1/sync/retry", s.handleRetry)
	s.handle("GET /v1/sync/deliveries", s.handleDeliveries)
	s.handle("GET /v1/sync/systems", s.handleListSystems)
	s.handle("GET /v1/sync/systems/{id}", s.handleGetSystem)
	s.handle("PUT /v1/sync/systems/{id}", s.handlePutSystem)
	s.handle("POST /v1/sync/systems/{id}/test", s.handleTestSystem)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handle registers an operator route behind the API token.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
			return
		}
		h(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.APIToken)) == 1
}

// uploadResponse counts delivery attempts of one upload run. Failed counts
// every unsuccessful attempt; Retrying is the part of Failed that is
// scheduled again, the rest reached the attempt limit.
type uploadResponse struct {
	Uploaded int                    `json:"uploaded"`
	Failed   int                    `json:"failed"`
	Retrying int                    `json:"retrying"`
	Held     int                    `json:"held"`
	Errors   []string               `json:"errors"`
	Systems  []service.SystemReport `json:"systems"`
}

func newUploadResponse(r service.SyncReport) uploadResponse {
	t := r.Totals()
	return uploadResponse{
		Uploaded: t.Delivered,
		Failed:   t.Failed + t.Retrying,
		Retrying: t.Retrying,
		Held:     t.Held,
		Errors:   nonNil(t.Errors),
		Systems:  nonNil(r.Systems),
	}
}

type downloadResponse struct {
	Downloaded int                     `json:"downloaded"`
	Conflicts  int                     `json:"conflicts"`
	Skipped    int                     `json:"skipped"`
	Changes    []service.ChangeOutcome `json:"changes"`
	Errors     []string                `json:"errors"`
	Systems    []service.SystemReport  `json:"systems"`
}

func newDownloadResponse(r service.SyncReport) downloadResponse {
	t := r.Totals()
	return downloadResponse{
		Downloaded: t.Applied,
		Conflicts:  t.Conflicts,
		Skipped:    t.Skipped,
		Changes:    nonNil(t.Changes),
		Errors:     nonNil(t.Errors),
		Systems:    nonNil(r.Systems),
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.UploadPending(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUploadResponse(report))
}

type sinceRequest struct {
	Since *time.Time `json:"since"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req sinceRequest
	if !s.decodeOptionalBody(w, r, &req) {
		return
	}
	report, err := s.engine.DownloadChanges(r.Context(), req.Since)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDownloadResponse(report))
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	var req sinceRequest
	if !s.decodeOptionalBody(w, r, &req) {
		return
	}
	report, err := s.engine.FullSync(r.Context(), req.Since)
	// Busy systems are reported inside the phase reports; 409 only when nothing ran.
	if err != nil && (errors.Is(err, common.ErrBookkeeping) || !errors.Is(err, common.ErrSyncInProgress)) {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil && len(report.Upload.Systems) == countBusy(report.Upload) && len(report.Download.Systems) == countBusy(report.Download) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"upload":   newUploadResponse(report.Upload),
		"download": newDownloadResponse(report.Download),
	})
}

func countBusy(r service.SyncReport) int {
	n := 0
	for _, s := range r.Systems {
		if s.Busy {
			n++
		}
	}
	return n
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRecordChange(w http.ResponseWriter, r *http.Request) {
	var in models.ChangeInput
	if !s.decodeBody(w, r, &in) {
		return
	}
	rec, err := s.engine.RecordChange(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.engine.ListConflicts(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": nonNil(conflicts)})
}

type resolveRequest struct {
	ConflictID string `json:"conflictId"`
	// ChangeID is accepted as an alias of ConflictID.
	ChangeID   string `json:"changeId"`
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := req.ConflictID
	if id == "" {
		id = req.ChangeID
	}
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "conflictId is required", getCorrelationID(r))
		return
	}
	conflict, err := s.engine.ResolveConflict(r.Context(), id, req.Resolution)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

type retryRequest struct {
	SystemID string `json:"systemId"`
	ChangeID int64  `json:"changeId"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !s.decodeOptionalBody(w, r, &req) {
		return
	}
	n, err := s.engine.RetryFailed(r.Context(), req.SystemID, req.ChangeID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.DeliveryLogFilter{
		SystemID:  q.Get("systemId"),
		Direction: models.Direction(q.Get("direction")),
	}
	if v := q.Get("changeId"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "changeId must be a positive integer", getCorrelationID(r))
			return
		}
		filter.ChangeID = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be between 1 and 1000", getCorrelationID(r))
			return
		}
		filter.Limit = n
	}
	entries, err := s.engine.ListDeliveries(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": nonNil(entries)})
}

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	systems, err := s.engine.ListSystems(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"systems": nonNil(systems)})
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	sys, err := s.engine.GetSystem(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sys)
}

// systemRequest mirrors ExternalSystem but accepts the secret, which is never
// serialized back.
type systemRequest struct {
	Name           string            `json:"name"`
	EndpointURL    string            `json:"endpointUrl"`
	ChangeFeedPath string            `json:"changeFeedPath"`
	AuthSecret     string            `json:"authSecret"`
	Enabled        bool              `json:"enabled"`
	Events         []string          `json:"events"`
	Headers        map[string]string `json:"headers"`
	MaxAttempts    int               `json:"maxAttempts"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

func (s *Server) handlePutSystem(w http.ResponseWriter, r *http.Request) {
	var req systemRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sys := models.ExternalSystem{
		ID:             r.PathValue("id"),
		Name:           req.Name,
		EndpointURL:    req.EndpointURL,
		ChangeFeedPath: req.ChangeFeedPath,
		AuthSecret:     req.AuthSecret,
		Enabled:        req.Enabled,
		Events:         req.Events,
		Headers:        req.Headers,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	if err := s.engine.SaveSystem(r.Context(), sys); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	saved, err := s.engine.GetSystem(r.Context(), sys.ID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleTestSystem(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.TestSystem(r.Context(), r.PathValue("id"))
	body := map[string]any{
		"ok":         err == nil,
		"httpStatus": res.StatusCode,
		"durationMs": res.Duration.Milliseconds(),
		"response":   res.Response,
	}
	if err != nil {
		var te *common.TransportError
		if !errors.As(err, &te) {
			s.writeEngineError(w, r, err)
			return
		}
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	report, err := s.engine.ReceivePush(r.Context(), r.PathValue("systemId"), body, r.Header)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if len(report.Errors) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"received":  report.Fetched,
		"applied":   report.Applied,
		"conflicts": report.Conflicts,
		"skipped":   report.Skipped,
		"changes":   nonNil(report.Changes),
		"errors":    nonNil(report.Errors),
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	correlationID := getCorrelationID(r)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "correlation_id", correlationID, "error", err)
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func classify(err error) (int, string) {
	var (
		validation *common.ValidationError
		config     *common.ConfigurationError
		transport  *common.TransportError
	)
	switch {
	case errors.Is(err, common.ErrBookkeeping):
		return http.StatusInternalServerError, "internal_error"
	case errors.Is(err, common.ErrInvalidInput), errors.Is(err, common.ErrInvalidResolution), errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, common.ErrSyncInProgress):
		return http.StatusConflict, "sync_in_progress"
	case errors.Is(err, common.ErrConflictAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.As(err, &config):
		return http.StatusUnprocessableEntity, "misconfigured"
	case errors.As(err, &transport):
		return http.StatusBadGateway, "upstream_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to read request body", getCorrelationID(r))
		return nil, false
	}
	return body, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body", getCorrelationID(r))
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func (s *Server) decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body", getCorrelationID(r))
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
