package main

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/mikey-austin/upnp_bridge/internal/daemon"
)

const redacted = "********"

func printConfigCommand(o *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(o)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func printConfig(w io.Writer, cfg daemon.Config) error {
	if cfg.Server.Auth.Pass != "" {
		cfg.Server.Auth.Pass = redacted
	}
	if cfg.Modules.EmbeddedMQTT.Password != "" {
		cfg.Modules.EmbeddedMQTT.Password = redacted
	}
	return toml.NewEncoder(w).Encode(cfg)
}
