package models

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// ExternalSystem is a remote counterpart (accounting/ERP backend, customer
// sync API). Owned by the registry; other rows only reference its ID.
type ExternalSystem struct {
	ID             string            `db:"id" json:"id" yaml:"id"`
	Name           string            `db:"name" json:"name" yaml:"name"`
	EndpointURL    string            `db:"endpoint_url" json:"endpointUrl" yaml:"endpointUrl"`
	ChangeFeedPath string            `db:"change_feed_path" json:"changeFeedPath,omitempty" yaml:"changeFeedPath"`
	AuthSecret     string            `db:"auth_secret" json:"-" yaml:"authSecret"`
	Enabled        bool              `db:"enabled" json:"enabled" yaml:"enabled"`
	Events         []string          `db:"events" json:"events,omitempty" yaml:"events"`
	Headers        map[string]string `db:"headers" json:"headers,omitempty" yaml:"headers"`
	MaxAttempts    int               `db:"max_attempts" json:"maxAttempts,omitempty" yaml:"maxAttempts"`
	TimeoutSeconds int               `db:"timeout_seconds" json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds"`

	LastUploadWatermark   time.Time `db:"-" json:"lastUploadWatermark" yaml:"-"`
	LastDownloadWatermark time.Time `db:"-" json:"lastDownloadWatermark" yaml:"-"`
	LastStatus            string    `db:"last_status" json:"lastStatus,omitempty" yaml:"-"`
	LastSyncAt            time.Time `db:"last_sync_at" json:"lastSyncAt" yaml:"-"`
}

// Subscribes reports whether the system wants the given event. An empty
// subscription list means every event; "customer.*" matches by prefix.
func (s ExternalSystem) Subscribes(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		switch {
		case e == "*" || e == eventType:
			return true
		case strings.HasSuffix(e, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(e, "*")):
			return true
		}
	}
	return false
}

// AttemptLimit returns the per-system limit or the global default.
func (s ExternalSystem) AttemptLimit(fallback int) int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return fallback
}

// Timeout returns the per-system HTTP timeout or the global default.
func (s ExternalSystem) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return fallback
}

// FeedPath is the change feed path appended to EndpointURL.
func (s ExternalSystem) FeedPath() string {
	if p := strings.TrimSpace(s.ChangeFeedPath); p != "" {
		if !strings.HasPrefix(p, "/") {
			return "/" + p
		}
		return p
	}
	return "/changes"
}

// Validate checks the fields a dispatch or pull depends on.
func (s ExternalSystem) Validate() string {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return "missing id"
	case strings.TrimSpace(s.EndpointURL) == "":
		return "missing endpoint url"
	case !strings.HasPrefix(s.EndpointURL, "http://") && !strings.HasPrefix(s.EndpointURL, "https://"):
		return "endpoint url must be http(s)"
	}
	return ""
}
