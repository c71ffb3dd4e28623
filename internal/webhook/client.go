// Package webhook speaks HTTP to external systems: signed webhook delivery,
// change feed polling and decoding of pushed changes.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
)

const (
	maxResponseBody = 4 << 10
	maxFeedBody     = 16 << 20

	PingEventType = "system.ping"
)

type ClientOptions struct {
	HTTPClient     *http.Client
	UserAgent      string
	DefaultTimeout time.Duration
	TokenTTL       time.Duration
	Now            func() time.Time
}

type Client struct {
	httpClient     *http.Client
	userAgent      string
	defaultTimeout time.Duration
	tokenTTL       time.Duration
	now            func() time.Time
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "go-sync-hub/1.0"
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		httpClient:     httpClient,
		userAgent:      userAgent,
		defaultTimeout: timeout,
		tokenTTL:       ttl,
		now:            now,
	}
}

// Result describes one HTTP exchange for the delivery log.
type Result struct {
	StatusCode int
	Request    []byte
	Response   string
	Duration   time.Duration
}

// Deliver POSTs one event to the system endpoint. Any network failure or
// non-2xx answer is a *common.TransportError; Result is filled either way.
func (c *Client) Deliver(ctx context.Context, sys models.ExternalSystem, event models.WebhookEvent) (Result, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}
	res := Result{Request: body}

	ctx, cancel := context.WithTimeout(ctx, sys.Timeout(c.defaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sys.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return res, &common.ConfigurationError{SystemID: sys.ID, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, event.EventID)
	if err := c.authorize(req, sys, body); err != nil {
		return res, err
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	res.Duration = c.now().Sub(start)
	if err != nil {
		return res, &common.TransportError{SystemID: sys.ID, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res.StatusCode = resp.StatusCode
	res.Response = string(respBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &common.TransportError{
			SystemID:   sys.ID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return res, nil
}

// TestConnection sends a ping event and reports whether the system accepted it.
func (c *Client) TestConnection(ctx context.Context, sys models.ExternalSystem) (Result, error) {
	return c.Deliver(ctx, sys, models.WebhookEvent{
		EventID:         uuid.NewString(),
		EventType:       PingEventType,
		Payload:         json.RawMessage(`{}`),
		SourceTimestamp: c.now().UTC(),
	})
}

// FeedItem is one element of a change feed in feed order. Exactly one of
// Change and Err is set.
type FeedItem struct {
	Index  int
	Raw    json.RawMessage
	Change *models.RemoteChange
	Err    *common.ValidationError
}

// FetchChanges reads the system change feed from since onward. Malformed
// elements come back as FeedItems carrying a ValidationError.
func (c *Client) FetchChanges(ctx context.Context, sys models.ExternalSystem, since time.Time, limit int) ([]FeedItem, error) {
	feedURL, err := url.Parse(strings.TrimRight(sys.EndpointURL, "/") + sys.FeedPath())
	if err != nil {
		return nil, &common.ConfigurationError{SystemID: sys.ID, Reason: err.Error()}
	}
	q := feedURL.Query()
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	feedURL.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, sys.Timeout(c.defaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL.String(), nil)
	if err != nil {
		return nil, &common.ConfigurationError{SystemID: sys.ID, Reason: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(req, sys, nil); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.TransportError{SystemID: sys.ID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, &common.TransportError{SystemID: sys.ID, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &common.TransportError{
			SystemID:   sys.ID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return DecodeChanges(sys.ID, body)
}

func (c *Client) authorize(req *http.Request, sys models.ExternalSystem, body []byte) error {
	now := c.now().UTC()
	ts := now.Format(time.RFC3339)

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderTimestamp, ts)
	if sys.AuthSecret != "" {
		token, err := IssueToken(sys.AuthSecret, sys.ID, now, c.tokenTTL)
		if err != nil {
			return &common.ConfigurationError{SystemID: sys.ID, Reason: "cannot sign token: " + err.Error()}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(HeaderSignature, Sign(sys.AuthSecret, ts, body))
	}
	// Per-system headers may override the defaults.
	for k, v := range sys.Headers {
		req.Header.Set(k, v)
	}
	return nil
}

// DecodeChanges accepts a bare JSON array, a {"changes": [...]} envelope or a
// single change object.
func DecodeChanges(systemID string, body []byte) ([]FeedItem, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, &common.ValidationError{SystemID: systemID, Index: -1, Err: err}
		}
	case '{':
		var envelope struct {
			Changes *[]json.RawMessage `json:"changes"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, &common.ValidationError{SystemID: systemID, Index: -1, Err: err}
		}
		if envelope.Changes != nil {
			raws = *envelope.Changes
		} else {
			raws = []json.RawMessage{trimmed}
		}
	default:
		return nil, &common.ValidationError{SystemID: systemID, Index: -1, Err: errors.New("feed is not a JSON array or object")}
	}

	items := make([]FeedItem, 0, len(raws))
	for i, raw := range raws {
		item := FeedItem{Index: i, Raw: raw}
		if err := validateRemoteChange(raw); err != nil {
			item.Err = &common.ValidationError{SystemID: systemID, Index: i, Err: err}
			items = append(items, item)
			continue
		}
		var change models.RemoteChange
		if err := json.Unmarshal(raw, &change); err != nil {
			item.Err = &common.ValidationError{SystemID: systemID, Index: i, Err: err}
			items = append(items, item)
			continue
		}
		item.Change = &change
		items = append(items, item)
	}
	return items, nil
}
