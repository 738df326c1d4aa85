// Package tools holds the per-session tool registry: tool descriptors, input
// validation, and the mapping of handler results and errors onto MCP tool
// results.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/metrics"
	"unifimcp/unifi"
)

// Handler runs a tool with arguments that already passed validation. The
// returned value must be JSON-encodable.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor pairs a tool definition with its handler.
type Descriptor struct {
	Tool    mcp.Tool
	Handler Handler
}

// ErrSealed is returned by Register once the registry has been sealed.
var ErrSealed = errors.New("tool registry is sealed")

// Outcome labels used for metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeInvalid = "invalid"
)

// Registry maps tool names to descriptors. It is built once per session,
// sealed, and then only read, so it needs no locking after Seal.
type Registry struct {
	order   []string
	byName  map[string]Descriptor
	sealed  bool
	logger  loggerv2.Logger
	metrics *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l loggerv2.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byName: make(map[string]Descriptor),
		logger: loggerv2.NewNoop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(tool mcp.Tool, h Handler) error {
	if r.sealed {
		return ErrSealed
	}
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}
	if _, exists := r.byName[tool.Name]; exists {
		return fmt.Errorf("tool %q is already registered", tool.Name)
	}
	r.byName[tool.Name] = Descriptor{Tool: tool, Handler: h}
	r.order = append(r.order, tool.Name)
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.sealed = true
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Tools lists tool definitions in registration order.
func (r *Registry) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Tool)
	}
	return out
}

// Invoke validates rawArgs and runs the named tool.
//
// An unknown tool or invalid arguments return a *ValidationError and the
// handler is not called. Every other failure, including a handler panic or a
// *unifi.DownstreamError, is returned as a result with IsError set, so the
// session stays usable.
func (r *Registry) Invoke(ctx context.Context, name string, rawArgs any) (*mcp.CallToolResult, error) {
	d, ok := r.byName[name]
	if !ok {
		r.metrics.ToolCall(name, OutcomeInvalid)
		errs := multierrorOf(&FieldError{Field: "name", Reason: fmt.Sprintf("unknown tool %q", name)})
		return nil, newValidationError(name, errs)
	}

	args, errs := validateArgs(d.Tool.InputSchema, rawArgs)
	if errs.ErrorOrNil() != nil {
		r.metrics.ToolCall(name, OutcomeInvalid)
		return nil, newValidationError(name, errs)
	}

	value, err := r.run(ctx, d, args)
	if err != nil {
		r.metrics.ToolCall(name, OutcomeError)
		r.logger.Warn("Tool call failed",
			loggerv2.String("tool", name),
			loggerv2.Error(err))
		return errorResult(err), nil
	}

	text, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		r.metrics.ToolCall(name, OutcomeError)
		return errorResult(fmt.Errorf("failed to encode result: %w", err)), nil
	}

	r.metrics.ToolCall(name, OutcomeOK)
	return mcp.NewToolResultText(string(text)), nil
}

func (r *Registry) run(ctx context.Context, d Descriptor, args map[string]any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool handler panicked", fmt.Errorf("%v", rec),
				loggerv2.String("tool", d.Tool.Name),
				loggerv2.String("stack", string(debug.Stack())))
			value = nil
			err = fmt.Errorf("tool %q panicked: %v", d.Tool.Name, rec)
		}
	}()
	return d.Handler(ctx, args)
}

// errorResult is the single mapping from a handler error to a tool result.
func errorResult(err error) *mcp.CallToolResult {
	payload := map[string]any{"error": err.Error()}
	if de, ok := unifi.AsDownstreamError(err); ok {
		payload["status"] = de.Status
		payload["body"] = de.Body
	}
	text, mErr := json.MarshalIndent(payload, "", "  ")
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(text))
}
