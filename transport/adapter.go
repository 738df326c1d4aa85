// Package transport implements the per-session side of the MCP streamable
// HTTP transport: decoding inbound frames, dispatching them to the session's
// tool registry, and the server-to-client push stream.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/metrics"
	"unifimcp/tools"
)

const (
	DefaultHeartbeat  = 30 * time.Second
	DefaultBufferSize = 64
	DefaultServerName = "unifi-mcp"

	methodInitialized = "notifications/initialized"
	loggerName        = "unifi-mcp"
)

// Close reasons reported in Outcome.Reason.
const (
	ReasonTerminate     = "terminate"
	ReasonDecodeError   = "decode_error"
	ReasonClientGone    = "client_gone"
	ReasonStreamDropped = "stream_dropped"
)

// Outcome is the result of dispatching one frame. Message is nil when the
// frame needs no response body.
type Outcome struct {
	Status       int
	Message      mcp.JSONRPCMessage
	CloseSession bool
	Reason       string
}

// Adapter is the protocol engine of one session. It is never shared between
// sessions.
type Adapter struct {
	sessionID    string
	registry     *tools.Registry
	logger       loggerv2.Logger
	metrics      *metrics.Metrics
	clock        clockwork.Clock
	serverInfo   mcp.Implementation
	instructions string
	heartbeat    time.Duration
	bufferSize   int

	ctx    context.Context
	cancel context.CancelFunc

	// dispatchMu keeps frames of one session in arrival order.
	dispatchMu sync.Mutex

	mu              sync.Mutex
	closed          bool
	initialized     bool
	protocolVersion string
	logLevel        mcp.LoggingLevel
	stream          chan mcp.JSONRPCNotification
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithLogger(l loggerv2.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

func WithClock(c clockwork.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

func WithServerInfo(name, version string) Option {
	return func(a *Adapter) { a.serverInfo = mcp.Implementation{Name: name, Version: version} }
}

func WithInstructions(s string) Option {
	return func(a *Adapter) { a.instructions = s }
}

// WithHeartbeat sets the keep-alive interval of the push stream. Zero
// disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(a *Adapter) { a.heartbeat = d }
}

// WithBufferSize bounds the number of queued push events.
func WithBufferSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.bufferSize = n
		}
	}
}

// NewAdapter creates the adapter for sessionID. The registry must not be
// shared with another session.
func NewAdapter(sessionID string, registry *tools.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		sessionID:  sessionID,
		registry:   registry,
		logger:     loggerv2.NewNoop(),
		clock:      clockwork.NewRealClock(),
		serverInfo: mcp.Implementation{Name: DefaultServerName, Version: "dev"},
		heartbeat:  DefaultHeartbeat,
		bufferSize: DefaultBufferSize,
		logLevel:   mcp.LoggingLevelInfo,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(loggerv2.String("session_id", sessionID))
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

func (a *Adapter) SessionID() string { return a.sessionID }

// Done is closed when the adapter is closed.
func (a *Adapter) Done() <-chan struct{} { return a.ctx.Done() }

// Initialized reports whether the client sent notifications/initialized.
func (a *Adapter) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

func (a *Adapter) ProtocolVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.protocolVersion
}

// Close cancels in-flight calls and ends the push stream. It is idempotent.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.cancel()
}

// Handshake answers an initialize request. The caller binds the session only
// when this succeeds.
func (a *Adapter) Handshake(ctx context.Context, h Handshake) (mcp.JSONRPCMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.protocolVersion != "" {
		return nil, fmt.Errorf("session %s already completed its handshake", a.sessionID)
	}

	version := negotiateVersion(h.Params.ProtocolVersion)
	a.protocolVersion = version

	caps := mcp.ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{},
		Logging: &struct{}{},
	}
	result := mcp.NewInitializeResult(version, caps, a.serverInfo, a.instructions)

	a.logger.Info("Session handshake completed",
		loggerv2.String("protocol_version", version),
		loggerv2.String("client", h.Params.ClientInfo.Name),
		loggerv2.String("client_version", h.Params.ClientInfo.Version))

	return mcp.NewJSONRPCResultResponse(h.ID, result), nil
}

// negotiateVersion echoes the client's version when known, otherwise offers
// the latest one.
func negotiateVersion(requested string) string {
	if slices.Contains(mcp.ValidProtocolVersions, requested) {
		return requested
	}
	return mcp.LATEST_PROTOCOL_VERSION
}

// Dispatch handles one frame on a bound session. Terminate does not wait
// for an in-flight call: it closes the adapter, which cancels that call.
func (a *Adapter) Dispatch(ctx context.Context, f Frame) Outcome {
	if _, ok := f.(Terminate); ok {
		return a.terminate()
	}

	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()

	if a.isClosed() {
		return Outcome{Status: http.StatusNotFound, Message: mcp.NewJSONRPCError(RequestID(f), mcp.INVALID_REQUEST, "session closed, initialize again", nil)}
	}

	switch f := f.(type) {
	case Handshake:
		return Outcome{
			Status:  http.StatusBadRequest,
			Message: mcp.NewJSONRPCError(f.ID, mcp.INVALID_REQUEST, "session already initialized", nil),
		}
	case ToolInvoke:
		return a.invoke(ctx, f)
	case Other:
		return a.other(f)
	}

	a.logger.Error("Unhandled frame type", nil, loggerv2.String("frame", fmt.Sprintf("%T", f)))
	return Outcome{
		Status:  http.StatusInternalServerError,
		Message: mcp.NewJSONRPCError(RequestID(f), mcp.INTERNAL_ERROR, "unhandled frame", nil),
	}
}

func (a *Adapter) terminate() Outcome {
	if a.isClosed() {
		return Outcome{Status: http.StatusNotFound}
	}
	a.logger.Info("Session termination requested")
	a.Close()
	return Outcome{Status: http.StatusOK, CloseSession: true, Reason: ReasonTerminate}
}

func (a *Adapter) invoke(ctx context.Context, f ToolInvoke) Outcome {
	// calls also stop when the session closes
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	if f.ProgressToken != nil {
		a.pushProgress(f.ProgressToken, 0, "calling "+f.Name)
		// rejected and failed calls report their end too
		defer a.pushProgress(f.ProgressToken, 1, "finished "+f.Name)
	}

	start := a.clock.Now()
	result, err := a.registry.Invoke(ctx, f.Name, f.Arguments)
	if err != nil {
		if ve, ok := tools.AsValidationError(err); ok {
			a.logger.Warn("Tool arguments rejected",
				loggerv2.String("tool", f.Name),
				loggerv2.Error(err))
			return Outcome{
				Status:  http.StatusOK,
				Message: mcp.NewJSONRPCError(f.ID, mcp.INVALID_PARAMS, ve.Error(), ve.Data()),
			}
		}
		a.logger.Error("Tool invocation failed", err, loggerv2.String("tool", f.Name))
		return Outcome{
			Status:  http.StatusOK,
			Message: mcp.NewJSONRPCError(f.ID, mcp.INTERNAL_ERROR, err.Error(), nil),
		}
	}

	a.logger.Debug("Tool invocation completed",
		loggerv2.String("tool", f.Name),
		loggerv2.Bool("is_error", result.IsError),
		loggerv2.Duration("duration", a.clock.Since(start)))

	if result.IsError {
		a.pushLog(mcp.LoggingLevelError, map[string]any{
			"tool":    f.Name,
			"message": resultText(result),
		})
	}

	return Outcome{Status: http.StatusOK, Message: mcp.NewJSONRPCResultResponse(f.ID, result)}
}

func (a *Adapter) other(f Other) Outcome {
	if f.IsResponse {
		return Outcome{Status: http.StatusAccepted}
	}

	if f.IsNotification() {
		if f.Method == methodInitialized {
			a.mu.Lock()
			a.initialized = true
			a.mu.Unlock()
			a.logger.Debug("Client initialized")
		}
		return Outcome{Status: http.StatusAccepted}
	}

	switch mcp.MCPMethod(f.Method) {
	case mcp.MethodPing:
		return Outcome{Status: http.StatusOK, Message: mcp.NewJSONRPCResultResponse(f.ID, mcp.EmptyResult{})}

	case mcp.MethodToolsList:
		return Outcome{Status: http.StatusOK, Message: mcp.NewJSONRPCResultResponse(f.ID, mcp.NewListToolsResult(a.registry.Tools(), ""))}

	case mcp.MethodSetLogLevel:
		var params mcp.SetLevelParams
		if err := json.Unmarshal(f.Params, &params); err != nil || !validLevel(params.Level) {
			return Outcome{Status: http.StatusOK, Message: mcp.NewJSONRPCError(f.ID, mcp.INVALID_PARAMS, "invalid logging level", nil)}
		}
		a.mu.Lock()
		a.logLevel = params.Level
		a.mu.Unlock()
		return Outcome{Status: http.StatusOK, Message: mcp.NewJSONRPCResultResponse(f.ID, mcp.EmptyResult{})}
	}

	return Outcome{
		Status:  http.StatusOK,
		Message: mcp.NewJSONRPCError(f.ID, mcp.METHOD_NOT_FOUND, fmt.Sprintf("method %q not found", f.Method), nil),
	}
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func validLevel(l mcp.LoggingLevel) bool {
	return l.ShouldSendTo(mcp.LoggingLevelDebug)
}

// RequestID is the JSON-RPC id carried by f, or a nil id.
func RequestID(f Frame) mcp.RequestId {
	switch f := f.(type) {
	case Handshake:
		return f.ID
	case ToolInvoke:
		return f.ID
	case Other:
		return f.ID
	}
	return mcp.NewRequestId(nil)
}

func resultText(r *mcp.CallToolResult) string {
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
