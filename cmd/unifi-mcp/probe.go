package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"unifimcp/config"
	loggerv2 "unifimcp/logger/v2"
	"unifimcp/mcpclient"
)

// GetProbeCmd returns the command that checks a running gateway.
func GetProbeCmd() *cobra.Command {
	var (
		url      string
		call     string
		rawArgs  string
		listen   bool
		timeout  time.Duration
		progress string
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a gateway, list its tools and optionally call one",
		Long: `Connect to a running gateway over streamable HTTP, perform the handshake
and list the tools. With --call the named tool is invoked and its result
printed; --listen also prints notifications pushed by the gateway.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			var args map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runProbe(ctx, logger, probeOptions{
				URL:      url,
				Listen:   listen,
				Call:     call,
				Args:     args,
				Progress: progress,
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&url, "url", "http://localhost:3000/mcp", "gateway MCP endpoint")
	f.StringVar(&call, "call", "", "tool to call after listing")
	f.StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	f.BoolVar(&listen, "listen", false, "open the push stream and print notifications")
	f.DurationVar(&timeout, "timeout", time.Minute, "overall probe timeout")
	f.StringVar(&progress, "progress-token", "", "request progress notifications with this token")

	return cmd
}

type probeOptions struct {
	URL      string
	Listen   bool
	Call     string
	Args     map[string]any
	Progress string
}

func runProbe(ctx context.Context, logger loggerv2.Logger, opts probeOptions) error {
	client := mcpclient.New(mcpclient.Config{URL: opts.URL, Listen: opts.Listen}, logger)
	if opts.Listen {
		client.OnNotification(func(n mcp.JSONRPCNotification) {
			data, _ := json.Marshal(n.Params)
			fmt.Fprintf(os.Stdout, "<- %s %s\n", n.Method, data)
		})
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	info := client.ServerInfo()
	fmt.Printf("Connected to %s %s (protocol %s, session %s)\n\n",
		info.ServerInfo.Name, info.ServerInfo.Version, info.ProtocolVersion, client.SessionID())

	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	if err := mcpclient.PrintTools(os.Stdout, tools); err != nil {
		return err
	}

	if opts.Call == "" {
		return nil
	}

	result, err := client.CallTool(ctx, opts.Call, opts.Args, opts.Progress)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s\n", mcpclient.ResultText(result))
	if result.IsError {
		return fmt.Errorf("tool %s returned an error", opts.Call)
	}
	return nil
}
