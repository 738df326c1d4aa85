package mcpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	loggerv2 "unifimcp/logger/v2"
)

// HTTPManager creates streamable HTTP clients for one gateway URL.
type HTTPManager struct {
	url     string
	headers map[string]string
	logger  loggerv2.Logger

	listen  bool
	timeout time.Duration
}

// HTTPOption configures an HTTPManager.
type HTTPOption func(*HTTPManager)

// WithListening opens the server-to-client push stream after the handshake.
func WithListening() HTTPOption {
	return func(h *HTTPManager) { h.listen = true }
}

// WithTimeout bounds every HTTP exchange. It is ignored together with
// WithListening: the gateway closes a session whose push stream drops.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPManager) { h.timeout = d }
}

// NewHTTPManager creates a new HTTP manager
func NewHTTPManager(url string, headers map[string]string, logger loggerv2.Logger, opts ...HTTPOption) *HTTPManager {
	if logger == nil {
		logger = loggerv2.NewNoop()
	}
	h := &HTTPManager{
		url:     url,
		headers: headers,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateClient creates an unstarted client for the manager's URL.
func (h *HTTPManager) CreateClient() (*client.Client, error) {
	options := []transport.StreamableHTTPCOption{
		transport.WithHTTPLogger(loggerv2.ToUtilLogger(h.logger)),
	}
	if len(h.headers) > 0 {
		options = append(options, transport.WithHTTPHeaders(h.headers))
	}
	if h.listen {
		options = append(options, transport.WithContinuousListening())
	}
	if h.timeout > 0 && !h.listen {
		options = append(options, transport.WithHTTPTimeout(h.timeout))
	}

	httpTransport, err := transport.NewStreamableHTTP(h.url, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

// Connect creates and starts a client. The transport is started with a
// background context so the caller's deadline only bounds the calls made
// with it, not the connection.
func (h *HTTPManager) Connect(ctx context.Context) (*client.Client, error) {
	c, err := h.CreateClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.logger.Debug("Starting streamable HTTP client", loggerv2.String("url", h.url))
	if err := c.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start HTTP client: %w", err)
	}
	return c, nil
}
