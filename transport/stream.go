package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "unifimcp/logger/v2"
)

// ServeStream turns a GET exchange into the session's push stream and blocks
// until the client goes away (ErrClientGone) or the adapter is closed (nil).
// A session has at most one stream; a second attempt returns ErrStreamActive.
func (a *Adapter) ServeStream(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.stream != nil {
		a.mu.Unlock()
		return ErrStreamActive
	}
	events := make(chan mcp.JSONRPCNotification, a.bufferSize)
	a.stream = events
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.stream == events {
			a.stream = nil
		}
		a.mu.Unlock()
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	a.logger.Debug("Push stream attached")

	var heartbeat <-chan time.Time
	if a.heartbeat > 0 {
		ticker := a.clock.NewTicker(a.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.Chan()
	}

	for {
		select {
		case <-r.Context().Done():
			a.logger.Debug("Push stream client disconnected")
			return ErrClientGone
		case <-a.ctx.Done():
			return nil
		case n := <-events:
			if err := writeEvent(w, n); err != nil {
				return fmt.Errorf("%w: %v", ErrClientGone, err)
			}
			flusher.Flush()
		case <-heartbeat:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return fmt.Errorf("%w: %v", ErrClientGone, err)
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, n mcp.JSONRPCNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	return err
}

// StreamAttached reports whether a push stream is currently open.
func (a *Adapter) StreamAttached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream != nil
}

// Push queues a server-initiated notification on the push stream. It never
// blocks: the event is dropped when no stream is attached or the buffer is
// full, and false is returned.
func (a *Adapter) Push(n mcp.JSONRPCNotification) bool {
	if n.JSONRPC == "" {
		n.JSONRPC = mcp.JSONRPC_VERSION
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.stream == nil {
		a.metrics.PushDropped()
		return false
	}
	select {
	case a.stream <- n:
		return true
	default:
		a.metrics.PushDropped()
		a.logger.Warn("Push buffer full, dropping event", loggerv2.String("method", n.Method))
		return false
	}
}

func (a *Adapter) pushProgress(token mcp.ProgressToken, progress float64, message string) {
	a.Push(newNotification("notifications/progress", map[string]any{
		"progressToken": token,
		"progress":      progress,
		"total":         1,
		"message":       message,
	}))
}

func (a *Adapter) pushLog(level mcp.LoggingLevel, data any) {
	a.mu.Lock()
	minLevel := a.logLevel
	a.mu.Unlock()
	if !level.ShouldSendTo(minLevel) {
		return
	}
	a.Push(newNotification("notifications/message", map[string]any{
		"level":  level,
		"logger": loggerName,
		"data":   data,
	}))
}

func newNotification(method string, params map[string]any) mcp.JSONRPCNotification {
	return mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{AdditionalFields: params},
		},
	}
}
