package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"unifimcp/metrics"
	"unifimcp/session"
	"unifimcp/unifi"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"router-test","version":"1.0"}}}`

type harness struct {
	srv        *httptest.Server
	store      *session.Store
	downstream *httptest.Server
	calls      atomic.Int32
	// held receives once per /v1/devices call, which then hangs until the
	// caller goes away
	held chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{held: make(chan struct{}, 1)}

	h.downstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/hosts":
			_, _ = w.Write([]byte(`[{"id":"h1"}]`))
			return
		case "/v1/devices":
			h.held <- struct{}{}
			select {
			case <-r.Context().Done():
			case <-time.After(10 * time.Second):
			}
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}))
	t.Cleanup(h.downstream.Close)

	client, err := unifi.NewClient(unifi.Config{BaseURL: h.downstream.URL, APIKey: "test-key"})
	require.NoError(t, err)

	m := metrics.New()
	h.store = session.NewStore(session.WithMetrics(m))
	factory := NewUniFiFactory(FactoryConfig{
		Client:     client,
		BaseURL:    client.BaseURL(),
		APIVersion: client.APIVersion(),
		Sessions:   h.store.Len,
		Metrics:    m,
	})
	router := NewRouter(h.store, factory, RouterConfig{
		Path:        "/mcp",
		MetricsPath: "/metrics",
	}, nil, m)

	h.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		h.store.CloseAll(session.ReasonShutdown)
		h.srv.Close()
	})
	return h
}

// do sends one exchange to the MCP endpoint and decodes a JSON body if any.
func (h *harness) do(t *testing.T, method, sessionID, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) == 0 {
		return resp, nil
	}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	return resp, decoded
}

func (h *harness) initialize(t *testing.T) string {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	id := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, id)
	return id
}

func toolCall(id int, name string, args string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, name, args)
}

func rpcError(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected an error frame, got %v", body)
	return e
}

func TestSessionLifecycleScenario(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s1 := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, s1)
	result := body["result"].(map[string]any)
	assert.Equal(t, "2025-03-26", result["protocolVersion"])

	resp, body = h.do(t, http.MethodPost, s1, toolCall(2, "list_hosts", `{"pageSize":"10"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = body["result"].(map[string]any)
	assert.NotEqual(t, true, result["isError"])
	content := result["content"].([]any)[0].(map[string]any)
	assert.JSONEq(t, `[{"id":"h1"}]`, content["text"].(string))

	resp, _ = h.do(t, http.MethodDelete, s1, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, h.store.Len())

	resp, body = h.do(t, http.MethodPost, s1, toolCall(3, "list_hosts", `{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session not found, initialize again", rpcError(t, body)["message"])
	assert.Equal(t, 0, h.store.Len(), "a closed id is not revived")
}

func TestConcurrentHandshakesYieldFreshIDs(t *testing.T) {
	h := newHarness(t)
	const n = 50

	var mu sync.Mutex
	ids := make(map[string]struct{}, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			resp, err := http.Post(h.srv.URL+"/mcp", "application/json", strings.NewReader(initializeBody))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			mu.Lock()
			ids[resp.Header.Get(HeaderSessionID)] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, ids, n)
	assert.Equal(t, n, h.store.Len())
}

func TestUnknownSessionIsRejectedWithoutMutation(t *testing.T) {
	h := newHarness(t)
	known := h.initialize(t)
	before := h.store.List()

	resp, body := h.do(t, http.MethodPost, "no-such-session", toolCall(2, "list_hosts", `{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 2, body["id"])
	rpcError(t, body)

	resp, _ = h.do(t, http.MethodGet, "no-such-session", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "no-such-session", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	after := h.store.List()
	require.Len(t, after, 1)
	assert.Equal(t, known, after[0].ID)
	assert.Equal(t, before[0].CreatedAt, after[0].CreatedAt)
	assert.Zero(t, h.calls.Load())
}

func TestNonHandshakeWithoutSession(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "", toolCall(7, "list_hosts", `{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Bad Request: no valid session ID provided, send initialize first", rpcError(t, body)["message"])
	assert.EqualValues(t, 7, body["id"])
	assert.Empty(t, resp.Header.Get(HeaderSessionID))
	assert.Equal(t, 0, h.store.Len())

	resp, body = h.do(t, http.MethodPost, "", `[`+initializeBody+`]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	rpcError(t, body)
	assert.Equal(t, 0, h.store.Len(), "batches never create sessions")
}

func TestGetAndDeleteRequireSessionHeader(t *testing.T) {
	h := newHarness(t)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp, body := h.do(t, method, "", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, method)
		rpcError(t, body)
	}
}

func TestOtherMethodsNotAllowed(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPut, "", initializeBody)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Allow"), http.MethodPost)
}

func TestSecondHandshakeOnBoundSession(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	resp, body := h.do(t, http.MethodPost, id, initializeBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	rpcError(t, body)
	assert.Equal(t, 1, h.store.Len(), "the original session survives")
}

func TestNotificationsAreAccepted(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	resp, body := h.do(t, http.MethodPost, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Nil(t, body)

	sess, err := h.store.Get(id)
	require.NoError(t, err)
	assert.True(t, sess.Adapter.Initialized())
}

func TestValidationErrorSkipsDownstream(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	resp, body := h.do(t, http.MethodPost, id, toolCall(4, "get_host_by_id", `{}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	e := rpcError(t, body)
	assert.EqualValues(t, -32602, e["code"])
	assert.Contains(t, e["message"], "id")
	assert.Zero(t, h.calls.Load())
	assert.Equal(t, 1, h.store.Len())
}

func TestDownstreamFailureIsToolError(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	resp, body := h.do(t, http.MethodPost, id, toolCall(5, "get_host_by_id", `{"id":"missing"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	result := body["result"].(map[string]any)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, `"status": 404`)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestUnparsableFrameClosesBoundSession(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	resp, body := h.do(t, http.MethodPost, id, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":""}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "bad params keep the session")
	assert.EqualValues(t, -32602, rpcError(t, body)["code"])
	assert.Equal(t, 1, h.store.Len())

	resp, body = h.do(t, http.MethodPost, id, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, -32700, rpcError(t, body)["code"])
	assert.Equal(t, 0, h.store.Len())

	resp, _ = h.do(t, http.MethodPost, id, toolCall(4, "health", `{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidRequestKeepsBoundSession(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	invalid := []string{
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"health"}}`,
		`{"jsonrpc":"2.0","id":5}`,
		``,
		`[{"jsonrpc":"2.0","id":6,"method":"ping"}]`,
	}
	for _, body := range invalid {
		resp, decoded := h.do(t, http.MethodPost, id, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		assert.EqualValues(t, -32600, rpcError(t, decoded)["code"], "body %q", body)
		assert.Equal(t, 1, h.store.Len(), "body %q", body)
	}

	resp, body := h.do(t, http.MethodPost, id, toolCall(7, "health", `{}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "result")
}

func TestDeleteCancelsInFlightCall(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	status := make(chan int, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/mcp", strings.NewReader(toolCall(2, "list_devices", `{}`)))
		if err != nil {
			status <- 0
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderSessionID, id)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	select {
	case <-h.held:
	case <-time.After(5 * time.Second):
		t.Fatal("downstream call never started")
	}

	start := time.Now()
	resp, _ := h.do(t, http.MethodDelete, id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, h.store.Len())

	select {
	case code := <-status:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call was not cancelled")
	}

	resp, _ = h.do(t, http.MethodPost, id, toolCall(3, "health", `{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func openStream(t *testing.T, h *harness, id string) (*http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderSessionID, id)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, cancel
}

func TestStreamDropClosesSession(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	resp, cancel := openStream(t, h, id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sess, err := h.store.Get(id)
	require.NoError(t, err)
	require.Eventually(t, sess.Adapter.StreamAttached, 5*time.Second, 10*time.Millisecond)

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool { return h.store.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.StateClosed, sess.State())

	resp2, _ := h.do(t, http.MethodPost, id, toolCall(2, "health", `{}`))
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestSecondStreamConflicts(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	first, cancel := openStream(t, h, id)
	defer func() {
		cancel()
		first.Body.Close()
	}()
	require.Equal(t, http.StatusOK, first.StatusCode)

	sess, err := h.store.Get(id)
	require.NoError(t, err)
	require.Eventually(t, sess.Adapter.StreamAttached, 5*time.Second, 10*time.Millisecond)

	resp, body := h.do(t, http.MethodGet, id, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	rpcError(t, body)
}

func TestDeleteEndsOpenStream(t *testing.T) {
	h := newHarness(t)
	id := h.initialize(t)

	stream, cancel := openStream(t, h, id)
	defer cancel()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	sess, err := h.store.Get(id)
	require.NoError(t, err)
	require.Eventually(t, sess.Adapter.StreamAttached, 5*time.Second, 10*time.Millisecond)

	resp, _ := h.do(t, http.MethodDelete, id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the stream body ends once the session is closed
	_, err = io.ReadAll(stream.Body)
	assert.NoError(t, err)
	stream.Body.Close()
	assert.Equal(t, 0, h.store.Len())
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["sessions"])

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "unifi_mcp_sessions_active 1")
	assert.Contains(t, string(raw), "unifi_mcp_http_requests_total")
}

func TestCORSExposesSessionHeader(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://inspector.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Less(t, resp.StatusCode, 300)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodPost, h.srv.URL+"/mcp", strings.NewReader(initializeBody))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://inspector.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), HeaderSessionID)
}
