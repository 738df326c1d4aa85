package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"unifimcp/mcpclient"
	"unifimcp/tools"
	"unifimcp/unifi"
)

var errOffline = errors.New("the tools command does not call the UniFi API")

// offlineCaller lets the catalog be built without credentials.
type offlineCaller struct{}

func (offlineCaller) Call(context.Context, string, string, unifi.CallOptions) (any, error) {
	return nil, errOffline
}

// GetToolsCmd returns the command that prints the tool catalog.
func GetToolsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool catalog without starting the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := tools.NewRegistry()
			if err := tools.RegisterUniFi(registry, tools.CatalogConfig{
				Client:     offlineCaller{},
				BaseURL:    unifi.DefaultBaseURL,
				APIVersion: unifi.DefaultAPIVersion,
			}); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(registry.Tools())
			}
			return mcpclient.PrintTools(os.Stdout, registry.Tools())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tool definitions as JSON")
	return cmd
}
