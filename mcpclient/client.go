// Package mcpclient is a thin client for the gateway's streamable HTTP
// endpoint, used by the probe command and end-to-end tests.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "unifimcp/logger/v2"
)

const (
	DefaultClientName    = "unifi-mcp-probe"
	DefaultClientVersion = "1.0.0"
)

// ErrNotConnected is returned by calls made before Connect.
var ErrNotConnected = errors.New("client not connected")

// Config describes how to reach a gateway.
type Config struct {
	URL     string
	Headers map[string]string
	// Listen opens the push stream so notifications reach OnNotification.
	Listen  bool
	Timeout time.Duration

	ClientName    string
	ClientVersion string
}

// Client wraps the underlying MCP client with convenience methods
type Client struct {
	config     Config
	logger     loggerv2.Logger
	mcpClient  *client.Client
	serverInfo *mcp.InitializeResult

	mu       sync.RWMutex
	handlers []func(mcp.JSONRPCNotification)
}

// New creates a client for cfg. Nothing is sent until Connect.
func New(cfg Config, logger loggerv2.Logger) *Client {
	if logger == nil {
		logger = loggerv2.NewNoop()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
	}
	return &Client{config: cfg, logger: logger}
}

// OnNotification registers a handler for server notifications. Handlers
// registered before Connect are kept.
func (c *Client) OnNotification(h func(mcp.JSONRPCNotification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Connect starts the transport and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	var opts []HTTPOption
	if c.config.Listen {
		opts = append(opts, WithListening())
	}
	if c.config.Timeout > 0 {
		opts = append(opts, WithTimeout(c.config.Timeout))
	}

	mcpClient, err := NewHTTPManager(c.config.URL, c.config.Headers, c.logger, opts...).Connect(ctx)
	if err != nil {
		return err
	}
	mcpClient.OnNotification(c.dispatch)

	result, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    c.config.ClientName,
				Version: c.config.ClientVersion,
			},
		},
	})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP connection: %w", err)
	}

	c.mcpClient = mcpClient
	c.serverInfo = result
	c.logger.Info("Connected to MCP gateway",
		loggerv2.String("url", c.config.URL),
		loggerv2.String("server", result.ServerInfo.Name),
		loggerv2.String("protocol_version", result.ProtocolVersion),
		loggerv2.String("session_id", mcpClient.GetSessionId()))
	return nil
}

func (c *Client) dispatch(n mcp.JSONRPCNotification) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.handlers {
		h(n)
	}
}

// ServerInfo is the handshake result, nil before Connect.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	return c.serverInfo
}

// SessionID is the token assigned by the gateway.
func (c *Client) SessionID() string {
	if c.mcpClient == nil {
		return ""
	}
	return c.mcpClient.GetSessionId()
}

func (c *Client) Ping(ctx context.Context) error {
	if c.mcpClient == nil {
		return ErrNotConnected
	}
	return c.mcpClient.Ping(ctx)
}

// ListTools returns all available tools from the server
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if c.mcpClient == nil {
		return nil, ErrNotConnected
	}
	result, err := c.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	c.logger.Debug("Listed tools", loggerv2.Int("tool_count", len(result.Tools)))
	return result.Tools, nil
}

// CallTool invokes a tool. A non-empty progressToken asks the gateway for
// progress notifications.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any, progressToken string) (*mcp.CallToolResult, error) {
	if c.mcpClient == nil {
		return nil, ErrNotConnected
	}

	params := mcp.CallToolParams{Name: name, Arguments: arguments}
	if progressToken != "" {
		params.Meta = &mcp.Meta{ProgressToken: mcp.ProgressToken(progressToken)}
	}

	result, err := c.mcpClient.CallTool(ctx, mcp.CallToolRequest{Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	return result, nil
}

// SetLogLevel sets the minimum level of log notifications pushed to us.
func (c *Client) SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	if c.mcpClient == nil {
		return ErrNotConnected
	}
	return c.mcpClient.SetLevel(ctx, mcp.SetLevelRequest{Params: mcp.SetLevelParams{Level: level}})
}

// Close terminates the session on the gateway.
func (c *Client) Close() error {
	if c.mcpClient == nil {
		return nil
	}
	return c.mcpClient.Close()
}
