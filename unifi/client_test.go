package unifi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unifimcp/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{APIKey: "  "})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k", BaseURL: "not-a-url"})
	assert.Error(t, err)
}

func TestCallSendsHeadersAndDecodesJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/hosts", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"data":[{"id":"h1"}],"httpStatusCode":200}`))
	})

	got, err := c.Call(context.Background(), "get", "/hosts", CallOptions{Query: map[string]any{"pageSize": "10"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"data":           []any{map[string]any{"id": "h1"}},
		"httpStatusCode": float64(200),
	}, got)
}

func TestCallBodyOnlyForBodyMethods(t *testing.T) {
	var gotBody atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody.Store(string(b))
		if r.Method == http.MethodPost {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		} else {
			assert.Empty(t, r.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	body := map[string]any{"sites": []any{map[string]any{"siteId": "s1"}}}

	_, err := c.Call(context.Background(), http.MethodPost, "/ea/isp-metrics/5m/query", CallOptions{Body: body})
	require.NoError(t, err)
	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(gotBody.Load().(string)), &sent))
	assert.Equal(t, body, sent)

	_, err = c.Call(context.Background(), http.MethodGet, "/hosts", CallOptions{Body: body})
	require.NoError(t, err)
	assert.Equal(t, "", gotBody.Load().(string))
}

func TestCallNonJSONIsWrapped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	})

	got, err := c.Call(context.Background(), http.MethodGet, "/ping", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"raw": "pong"}, got)
}

func TestCallInvalidJSONFallsBackToRaw(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	})

	got, err := c.Call(context.Background(), http.MethodGet, "/hosts", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"raw": "{not json"}, got)
}

func TestCallNon2xxReturnsDownstreamError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"forbidden"}`))
	})

	_, err := c.Call(context.Background(), http.MethodGet, "/hosts", CallOptions{})
	require.Error(t, err)

	de, ok := AsDownstreamError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, de.Status)
	assert.Equal(t, map[string]any{"message": "forbidden"}, de.Body)
	assert.Equal(t, http.MethodGet, de.Method)
	assert.Equal(t, int32(1), calls.Load(), "downstream errors are not retried")
}

func TestCallHonoursContextCancellation(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, http.MethodGet, "/hosts", CallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	_, isDownstream := AsDownstreamError(err)
	assert.False(t, isDownstream)
}
