package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cast"

	"unifimcp/unifi"
)

// Caller is the part of *unifi.Client the tool handlers need.
type Caller interface {
	Call(ctx context.Context, method, path string, opts unifi.CallOptions) (any, error)
}

// CatalogConfig wires the UniFi catalog to its downstream client.
type CatalogConfig struct {
	Client     Caller
	BaseURL    string
	APIVersion string
	Transport  string
	// Sessions reports the number of live sessions for the health tool.
	Sessions func() int
}

var (
	metricTypes     = []string{"5m", "1h"}
	metricDurations = []string{"24h", "7d", "30d"}
	requestMethods  = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
)

// RegisterUniFi registers the Site Manager tools on r and seals it.
func RegisterUniFi(r *Registry, cfg CatalogConfig) error {
	if cfg.Client == nil {
		return fmt.Errorf("UniFi catalog requires a client")
	}
	if cfg.Transport == "" {
		cfg.Transport = "streamable-http"
	}

	entries := []Descriptor{
		{
			Tool: mcp.NewTool("health",
				mcp.WithDescription("Report gateway status and downstream configuration. Does not call the UniFi API."),
				readOnly(),
			),
			Handler: healthHandler(cfg),
		},
		{
			Tool: mcp.NewTool("list_hosts",
				mcp.WithDescription("List UniFi hosts (consoles) visible to the API key."),
				readOnly(),
				pageSizeOption(),
				nextTokenOption(),
			),
			Handler: getHandler(cfg.Client, func(args map[string]any) (string, map[string]any) {
				return "/hosts", pick(args, "pageSize", "nextToken")
			}),
		},
		{
			Tool: mcp.NewTool("get_host_by_id",
				mcp.WithDescription("Get one UniFi host by id."),
				readOnly(),
				mcp.WithString("id", mcp.Required(), mcp.Description("Host id")),
			),
			Handler: getHandler(cfg.Client, func(args map[string]any) (string, map[string]any) {
				return "/hosts/" + segment(args["id"]), nil
			}),
		},
		{
			Tool: mcp.NewTool("list_sites",
				mcp.WithDescription("List UniFi sites across all hosts."),
				readOnly(),
				pageSizeOption(),
				nextTokenOption(),
			),
			Handler: getHandler(cfg.Client, func(args map[string]any) (string, map[string]any) {
				return "/sites", pick(args, "pageSize", "nextToken")
			}),
		},
		{
			Tool: mcp.NewTool("list_devices",
				mcp.WithDescription("List UniFi devices, optionally filtered by host."),
				readOnly(),
				mcp.WithArray("hostIds", mcp.Description("Only devices managed by these hosts"), mcp.WithStringItems()),
				mcp.WithString("time", mcp.Description("Last processed timestamp, RFC3339")),
				pageSizeOption(),
				nextTokenOption(),
			),
			Handler: getHandler(cfg.Client, func(args map[string]any) (string, map[string]any) {
				return "/devices", pick(args, "hostIds", "time", "pageSize", "nextToken")
			}),
		},
		{
			Tool: mcp.NewTool("get_isp_metrics",
				mcp.WithDescription("Get ISP metrics for all sites at 5 minute or 1 hour resolution."),
				readOnly(),
				mcp.WithString("type", mcp.Required(), mcp.Enum(metricTypes...), mcp.Description("Metric interval")),
				mcp.WithString("beginTimestamp", mcp.Description("Start of the range, RFC3339")),
				mcp.WithString("endTimestamp", mcp.Description("End of the range, RFC3339")),
				mcp.WithString("duration", mcp.Enum(metricDurations...), mcp.Description("Relative range instead of timestamps")),
			),
			Handler: getHandler(cfg.Client, func(args map[string]any) (string, map[string]any) {
				return "/ea/isp-metrics/" + segment(args["type"]), pick(args, "beginTimestamp", "endTimestamp", "duration")
			}),
		},
		{
			Tool: mcp.NewTool("query_isp_metrics",
				mcp.WithDescription("Query ISP metrics for specific sites."),
				readOnly(),
				mcp.WithString("type", mcp.Required(), mcp.Enum(metricTypes...), mcp.Description("Metric interval")),
				mcp.WithArray("sites", mcp.Required(), mcp.Description("Sites to query"), mcp.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"siteId":         map[string]any{"type": "string"},
						"hostId":         map[string]any{"type": "string"},
						"beginTimestamp": map[string]any{"type": "string"},
						"endTimestamp":   map[string]any{"type": "string"},
					},
					"required": []string{"siteId"},
				})),
			),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path := "/ea/isp-metrics/" + segment(args["type"]) + "/query"
				return cfg.Client.Call(ctx, http.MethodPost, path, unifi.CallOptions{
					Body: map[string]any{"sites": args["sites"]},
				})
			},
		},
		{
			Tool: mcp.NewTool("list_sdwan_configs",
				mcp.WithDescription("List SD-WAN configurations."),
				readOnly(),
			),
			Handler: getHandler(cfg.Client, func(map[string]any) (string, map[string]any) {
				return "/ea/sd-wan-configs", nil
			}),
		},
		{
			Tool: mcp.NewTool("get_sdwan_config_by_id",
				mcp.WithDescription("Get one SD-WAN configuration by id."),
				readOnly(),
				mcp.WithString("id", mcp.Required(), mcp.Description("SD-WAN configuration id")),
			),
			Handler: getHandler(cfg.Client, func(args map[string]any) (string, map[string]any) {
				return "/ea/sd-wan-configs/" + segment(args["id"]), nil
			}),
		},
		{
			Tool: mcp.NewTool("get_sdwan_config_status",
				mcp.WithDescription("Get the deployment status of an SD-WAN configuration."),
				readOnly(),
				mcp.WithString("id", mcp.Required(), mcp.Description("SD-WAN configuration id")),
			),
			Handler: getHandler(cfg.Client, func(args map[string]any) (string, map[string]any) {
				return "/ea/sd-wan-configs/" + segment(args["id"]) + "/status", nil
			}),
		},
		{
			Tool: mcp.NewTool("request",
				mcp.WithDescription("Call any Site Manager endpoint. Paths without /v1 or /ea get the default API version."),
				mcp.WithString("method", mcp.Required(), mcp.Enum(requestMethods...)),
				mcp.WithString("path", mcp.Required(), mcp.Description("API path, for example /hosts or /ea/sd-wan-configs")),
				mcp.WithObject("query", mcp.Description("Query parameters; arrays become repeated keys")),
				mcp.WithAny("body", mcp.Description("JSON body for POST, PUT and PATCH")),
			),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(map[string]any)
				return cfg.Client.Call(ctx, cast.ToString(args["method"]), cast.ToString(args["path"]), unifi.CallOptions{
					Query: query,
					Body:  args["body"],
				})
			},
		},
	}

	for _, e := range entries {
		if err := r.Register(e.Tool, e.Handler); err != nil {
			return err
		}
	}
	r.Seal()
	return nil
}

func healthHandler(cfg CatalogConfig) Handler {
	return func(ctx context.Context, _ map[string]any) (any, error) {
		info := map[string]any{
			"status":      "ok",
			"transport":   cfg.Transport,
			"base_url":    cfg.BaseURL,
			"api_version": cfg.APIVersion,
		}
		if cfg.Sessions != nil {
			info["active_sessions"] = cfg.Sessions()
		}
		return info, nil
	}
}

func getHandler(c Caller, route func(args map[string]any) (string, map[string]any)) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		path, query := route(args)
		return c.Call(ctx, http.MethodGet, path, unifi.CallOptions{Query: query})
	}
}

// readOnly marks tools that only read from the Site Manager API.
func readOnly() mcp.ToolOption {
	return func(t *mcp.Tool) {
		mcp.WithReadOnlyHintAnnotation(true)(t)
		mcp.WithDestructiveHintAnnotation(false)(t)
		mcp.WithIdempotentHintAnnotation(true)(t)
	}
}

// pageSize is a string in the Site Manager API.
func pageSizeOption() mcp.ToolOption {
	return mcp.WithString("pageSize", mcp.Description("Maximum number of items per page"))
}

func nextTokenOption() mcp.ToolOption {
	return mcp.WithString("nextToken", mcp.Description("Pagination token from a previous response"))
}

func pick(args map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := args[k]; ok && v != nil {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func segment(v any) string {
	return url.PathEscape(strings.TrimSpace(cast.ToString(v)))
}
