package syncqueue

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/emitter"
)

// batchServer answers the batch endpoint, decoding the gzipped request and
// replying with the configured per-event statuses.
func batchServer(t *testing.T, status func(eventID string) string) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, batchPath, r.URL.Path)
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		require.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))

		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(zr)
		require.NoError(t, err)

		var batch batchRequest
		require.NoError(t, json.Unmarshal(body, &batch))

		var resp batchResponse
		for _, env := range batch.Events {
			seen = append(seen, env.EventID)
			resp.Results = append(resp.Results, eventResult{EventID: env.EventID, Status: status(env.EventID)})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func clientFor(url string) (*Client, emitter.Scope) {
	scope := emitter.Scope{ServerURL: url, Username: "casey", TeamSlug: "platform"}
	return NewClient(scope, "token-123"), scope
}

func TestSyncBatch_DeliversAndRemoves(t *testing.T) {
	srv, seen := batchServer(t, func(string) string { return resultSuccess })
	client, scope := clientFor(srv.URL)

	q := newTestQueue(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(scope, testEnvelope()))
	}

	res, err := client.SyncBatch(context.Background(), q, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, 0, res.Retried)
	assert.Equal(t, 0, res.Remaining)
	assert.Len(t, *seen, 3)
}

func TestSyncBatch_PartialSuccessKeepsRejectedPending(t *testing.T) {
	var reject string
	srv, _ := batchServer(t, func(id string) string {
		if id == reject {
			return "error"
		}
		return resultSuccess
	})
	client, scope := clientFor(srv.URL)

	q := newTestQueue(t)
	bad := testEnvelope()
	reject = bad.EventID
	require.NoError(t, q.Enqueue(scope, testEnvelope()))
	require.NoError(t, q.Enqueue(scope, bad))

	res, err := client.SyncBatch(context.Background(), q, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Remaining)

	entries, err := q.Pending(scope, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bad.EventID, entries[0].EventID)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestSyncBatch_AuthFailureKeepsEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	client, scope := clientFor(srv.URL)

	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(scope, testEnvelope()))

	_, err := client.SyncBatch(context.Background(), q, 10)
	assert.ErrorIs(t, err, ErrAuthFailed)

	n, err := q.CountPending(scope)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncBatch_ServerErrorIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	client, scope := clientFor(srv.URL)

	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(scope, testEnvelope()))

	_, err := client.SyncBatch(context.Background(), q, 10)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSyncBatch_EmptyQueueIsNoop(t *testing.T) {
	client, _ := clientFor("https://unreachable.invalid")
	q := newTestQueue(t)

	res, err := client.SyncBatch(context.Background(), q, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		want   ConnectivityStatus
	}{
		{"connected", http.StatusOK, StatusConnected},
		{"auth failed", http.StatusUnauthorized, StatusAuthFailed},
		{"permission denied", http.StatusForbidden, StatusPermissionDenied},
		{"server error", http.StatusServiceUnavailable, StatusUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()
			client, _ := clientFor(srv.URL)
			assert.Equal(t, tt.want, client.Probe(context.Background()))
		})
	}
}

func TestProbe_Unreachable(t *testing.T) {
	client, _ := clientFor("http://127.0.0.1:1")
	assert.Equal(t, StatusUnreachable, client.Probe(context.Background()))
}

func TestDaemon_SyncNowDrainsQueue(t *testing.T) {
	srv, _ := batchServer(t, func(string) string { return resultSuccess })
	client, scope := clientFor(srv.URL)

	q := newTestQueue(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(scope, testEnvelope()))
	}

	d := NewDaemon(client, q, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, d.SyncNow(ctx))
	n, err := q.CountPending(scope)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
