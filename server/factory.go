package server

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/metrics"
	"unifimcp/tools"
	"unifimcp/transport"
)

// SessionFactory builds the registry and adapter owned by a new session.
type SessionFactory func(sessionID string) (*tools.Registry, *transport.Adapter, error)

// FactoryConfig configures NewUniFiFactory.
type FactoryConfig struct {
	Client     tools.Caller
	BaseURL    string
	APIVersion string
	// Sessions reports the live session count to the health tool.
	Sessions func() int

	Version      string
	Instructions string
	Heartbeat    time.Duration
	Clock        clockwork.Clock
	Logger       loggerv2.Logger
	Metrics      *metrics.Metrics
}

const defaultInstructions = "Tools for the UniFi Site Manager API: hosts, sites, devices, ISP metrics and SD-WAN configs. " +
	"Use the request tool for endpoints without a dedicated tool."

// NewUniFiFactory returns a factory that gives every session its own sealed
// UniFi tool registry and adapter. The downstream client is shared.
func NewUniFiFactory(cfg FactoryConfig) SessionFactory {
	if cfg.Logger == nil {
		cfg.Logger = loggerv2.NewNoop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Instructions == "" {
		cfg.Instructions = defaultInstructions
	}

	return func(sessionID string) (*tools.Registry, *transport.Adapter, error) {
		logger := cfg.Logger.With(loggerv2.String("session_id", sessionID))

		registry := tools.NewRegistry(tools.WithLogger(logger), tools.WithMetrics(cfg.Metrics))
		err := tools.RegisterUniFi(registry, tools.CatalogConfig{
			Client:     cfg.Client,
			BaseURL:    cfg.BaseURL,
			APIVersion: cfg.APIVersion,
			Sessions:   cfg.Sessions,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build tool registry: %w", err)
		}

		adapter := transport.NewAdapter(sessionID, registry,
			transport.WithLogger(cfg.Logger),
			transport.WithMetrics(cfg.Metrics),
			transport.WithClock(cfg.Clock),
			transport.WithServerInfo(transport.DefaultServerName, cfg.Version),
			transport.WithInstructions(cfg.Instructions),
			transport.WithHeartbeat(cfg.Heartbeat),
		)
		return registry, adapter, nil
	}
}
