package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"unifimcp/config"
	loggerv2 "unifimcp/logger/v2"
	"unifimcp/metrics"
	"unifimcp/server"
	"unifimcp/session"
	"unifimcp/unifi"
)

// GetServeCmd returns the command that runs the gateway.
func GetServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP gateway",
		RunE:  runServe,
	}

	f := cmd.Flags()
	f.String("host", "0.0.0.0", "listen host")
	f.Int("port", 3000, "listen port")
	f.String("path", "/mcp", "MCP endpoint path")
	f.String("base-url", unifi.DefaultBaseURL, "UniFi Site Manager base URL")
	f.String("api-version", unifi.DefaultAPIVersion, "default API namespace")
	f.String("timeout", "30s", "downstream request timeout (bare numbers are seconds)")
	f.String("session-idle-timeout", "0", "close sessions idle for this long (0 disables)")
	f.String("heartbeat", "30s", "push stream keep-alive interval (0 disables)")
	f.String("metrics-path", "/metrics", "Prometheus metrics path (empty disables)")
	f.String("shutdown-timeout", "30s", "graceful shutdown timeout")

	bindFlags(cmd, map[string]string{
		"host":                 config.KeyHost,
		"port":                 config.KeyPort,
		"path":                 config.KeyPath,
		"base-url":             config.KeyBaseURL,
		"api-version":          config.KeyAPIVersion,
		"timeout":              config.KeyTimeout,
		"session-idle-timeout": config.KeySessionIdleTimeout,
		"heartbeat":            config.KeyHeartbeatInterval,
		"metrics-path":         config.KeyMetricsPath,
		"shutdown-timeout":     config.KeyShutdownTimeout,
	}, false)

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	// fail before binding anything
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	m := metrics.New()

	uc := cfg.UniFi()
	uc.UserAgent = "unifi-mcp/" + version
	uc.Logger = logger
	uc.Metrics = m
	client, err := unifi.NewClient(uc)
	if err != nil {
		return fmt.Errorf("failed to create UniFi client: %w", err)
	}

	store := session.NewStore(session.WithLogger(logger), session.WithMetrics(m))
	factory := server.NewUniFiFactory(server.FactoryConfig{
		Client:     client,
		BaseURL:    client.BaseURL(),
		APIVersion: client.APIVersion(),
		Sessions:   store.Len,
		Version:    version,
		Heartbeat:  cfg.HeartbeatInterval,
		Clock:      store.Clock(),
		Logger:     logger,
		Metrics:    m,
	})
	router := server.NewRouter(store, factory, server.RouterConfig{
		Path:               cfg.Path,
		MetricsPath:        cfg.MetricsPath,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, m)

	srv := server.New(server.Config{
		Addr:               cfg.Addr(),
		Handler:            router,
		Store:              store,
		Logger:             logger,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("UniFi MCP gateway starting",
			loggerv2.String("addr", cfg.Addr()),
			loggerv2.String("path", cfg.Path),
			loggerv2.String("base_url", client.BaseURL()),
			loggerv2.String("version", version))
		printBanner(cfg)
		errCh <- srv.Start(context.Background())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", err)
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", err)
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}

	logger.Info("Server stopped gracefully")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return cfg.ShutdownTimeout
}

func printBanner(cfg *config.Config) {
	fmt.Printf("\n  UniFi MCP Gateway %s\n", version)
	fmt.Printf("  ==================\n")
	fmt.Printf("  Endpoint: http://%s%s\n", cfg.Addr(), cfg.Path)
	fmt.Printf("  UniFi API: %s (default namespace %s)\n", cfg.BaseURL, cfg.APIVersion)
	if cfg.MetricsPath != "" {
		fmt.Printf("  Metrics: http://%s%s\n", cfg.Addr(), cfg.MetricsPath)
	}
	fmt.Printf("\n  Ready to accept connections...\n\n")
}
