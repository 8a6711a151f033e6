package syncqueue

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/speckitty/speckitty/internal/emitter"
	"github.com/speckitty/speckitty/internal/log"
)

// batchPath is the server endpoint that accepts gzipped event batches.
const batchPath = "/api/v1/events/batch"

// DefaultBatchSize is how many pending events one sync cycle drains.
const DefaultBatchSize = 100

// defaultHTTPTimeout bounds each batch request.
const defaultHTTPTimeout = 30 * time.Second

var (
	// ErrAuthFailed means the server rejected the access token (401).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTransport means the server was unreachable or returned 5xx.
	ErrTransport = errors.New("transport failure")
)

// ConnectivityStatus is the result of a probe against the batch endpoint.
type ConnectivityStatus string

const (
	StatusConnected        ConnectivityStatus = "connected"
	StatusAuthFailed       ConnectivityStatus = "auth_failed"
	StatusPermissionDenied ConnectivityStatus = "permission_denied"
	StatusUnreachable      ConnectivityStatus = "unreachable"
)

// Client posts event batches to the server for one account scope.
type Client struct {
	httpClient *http.Client
	scope      emitter.Scope
	token      string
}

// NewClient builds a sync client. token is the account's access token; it is
// never defaulted to a literal.
func NewClient(scope emitter.Scope, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		scope:      scope,
		token:      token,
	}
}

// Result summarizes one sync cycle.
type Result struct {
	Delivered int
	Retried   int
	Remaining int
}

type batchRequest struct {
	Events []*emitter.Envelope `json:"events"`
}

type batchResponse struct {
	Results []eventResult `json:"results"`
}

type eventResult struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Per-event statuses in a batch response.
const (
	resultSuccess = "success"
	resultError   = "error"
)

// SyncBatch drains up to batchSize pending events from the queue. Delivered
// events are removed from the pending set; per-event errors increment the
// retry counter and stay pending. On 401 or transport failure every event
// stays pending and the cycle error is returned.
func (c *Client) SyncBatch(ctx context.Context, q *Queue, batchSize int) (*Result, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	entries, err := q.Pending(c.scope, batchSize)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &Result{}, nil
	}

	req := batchRequest{Events: make([]*emitter.Envelope, len(entries))}
	byEventID := make(map[string]*Entry, len(entries))
	for i, e := range entries {
		req.Events[i] = e.Envelope
		byEventID[e.EventID] = e
	}

	resp, err := c.postBatch(ctx, req)
	if err != nil {
		return nil, err
	}

	var delivered, retried []int64
	for _, r := range resp.Results {
		entry, ok := byEventID[r.EventID]
		if !ok {
			continue
		}
		switch r.Status {
		case resultSuccess:
			delivered = append(delivered, entry.ID)
		default:
			log.Warn(log.CatSync, "Event rejected by server",
				"eventID", r.EventID, "error", r.Error)
			retried = append(retried, entry.ID)
		}
	}
	// Events the server did not mention stay pending for the next cycle.
	if err := q.MarkDelivered(delivered); err != nil {
		return nil, err
	}
	if err := q.MarkRetry(retried); err != nil {
		return nil, err
	}

	remaining, err := q.CountPending(c.scope)
	if err != nil {
		return nil, err
	}
	res := &Result{Delivered: len(delivered), Retried: len(retried), Remaining: remaining}
	log.Info(log.CatSync, "Sync cycle complete",
		"delivered", res.Delivered, "retried", res.Retried, "remaining", res.Remaining)
	return res, nil
}

func (c *Client) postBatch(ctx context.Context, batch batchRequest) (*batchResponse, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL(), &buf)
	if err != nil {
		return nil, fmt.Errorf("building batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuthFailed
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: server returned %d", ErrTransport, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected batch response status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading batch response: %w", err)
	}
	var parsed batchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding batch response: %w", err)
	}
	return &parsed, nil
}

func (c *Client) batchURL() string {
	return strings.TrimRight(c.scope.ServerURL, "/") + batchPath
}

// Probe checks connectivity and authentication against the batch endpoint
// using the account's real access token.
func (c *Client) Probe(ctx context.Context) ConnectivityStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.batchURL(), nil)
	if err != nil {
		return StatusUnreachable
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusUnreachable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return StatusConnected
	case resp.StatusCode == http.StatusUnauthorized:
		return StatusAuthFailed
	case resp.StatusCode == http.StatusForbidden:
		return StatusPermissionDenied
	default:
		return StatusUnreachable
	}
}
