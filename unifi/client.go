// Package unifi is a small client for the UniFi Site Manager REST API.
package unifi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/metrics"
)

const (
	DefaultBaseURL    = "https://api.ui.com"
	DefaultAPIVersion = "v1"
	DefaultTimeout    = 30 * time.Second
	DefaultUserAgent  = "unifi-mcp"

	apiKeyHeader = "X-API-KEY"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	APIVersion string
	Namespaces []string
	Timeout    time.Duration
	UserAgent  string

	// HTTPClient overrides the transport; its Timeout is replaced by Timeout.
	HTTPClient *http.Client
	Logger     loggerv2.Logger
	Metrics    *metrics.Metrics
}

// CallOptions carries the optional query and JSON body of one call.
type CallOptions struct {
	Query map[string]any
	Body  any
}

// Client executes calls against the Site Manager API. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	apiVersion string
	namespaces []string
	userAgent  string
	http       *http.Client
	logger     loggerv2.Logger
	metrics    *metrics.Metrics
}

// NewClient validates cfg and fills in defaults.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if len(cfg.Namespaces) == 0 {
		cfg.Namespaces = DefaultNamespaces
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = loggerv2.NewNoop()
	}

	// validate the base URL once instead of on every call
	if _, err := BuildURL(cfg.BaseURL, cfg.APIVersion, cfg.Namespaces, "/", nil); err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		clone := *cfg.HTTPClient
		httpClient = &clone
	}
	httpClient.Timeout = cfg.Timeout

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		namespaces: cfg.Namespaces,
		userAgent:  cfg.UserAgent,
		http:       httpClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

func (c *Client) BaseURL() string    { return c.baseURL }
func (c *Client) APIVersion() string { return c.apiVersion }

// Call performs one request and returns the decoded JSON response. Non-JSON
// or undecodable bodies come back as map[string]any{"raw": text}. A non-2xx
// status returns a *DownstreamError. Calls are never retried.
func (c *Client) Call(ctx context.Context, method, path string, opts CallOptions) (any, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := BuildURL(c.baseURL, c.apiVersion, c.namespaces, path, opts.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	withBody := opts.Body != nil && !isBodyless(method)
	if withBody {
		payload, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if withBody {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.DownstreamRequest(method, 0, time.Since(start))
		c.logger.Debug("UniFi request failed",
			loggerv2.String("method", method),
			loggerv2.String("url", target),
			loggerv2.Error(err))
		return nil, fmt.Errorf("UniFi API %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	c.metrics.DownstreamRequest(method, resp.StatusCode, elapsed)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("UniFi request completed",
		loggerv2.String("method", method),
		loggerv2.String("url", target),
		loggerv2.Int("status", resp.StatusCode),
		loggerv2.Duration("duration", elapsed))

	decoded := decodeBody(resp.Header.Get("Content-Type"), raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DownstreamError{
			Method: method,
			URL:    target,
			Status: resp.StatusCode,
			Body:   decoded,
		}
	}

	return decoded, nil
}

func isBodyless(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func decodeBody(contentType string, raw []byte) any {
	if isJSONContentType(contentType) && len(bytes.TrimSpace(raw)) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return map[string]any{"raw": string(raw)}
}
