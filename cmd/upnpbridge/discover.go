package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/adapters/output"
	"github.com/mikey-austin/upnp_bridge/internal/adapters/ssdp"
)

func discoverCommand(o *overrides) *cobra.Command {
	var (
		wait    time.Duration
		target  string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Search the network for renderers and print what answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(o)
			if err != nil {
				return err
			}
			if target == "" {
				target = cfg.Bridge.SearchTarget
			}
			searcher := ssdp.NewSearcher(ssdp.Options{
				SearchTarget: target,
				Wait:         wait,
				Logger:       zap.NewNop(),
			})
			found, err := searcher.Search(cmd.Context())
			if err != nil {
				return err
			}
			return output.New(cmd.OutOrStdout(), jsonOut).Print(found)
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 3*time.Second, "how long to wait for answers")
	cmd.Flags().StringVar(&target, "target", "", "search target (default "+ssdp.AVTransportType+")")
	cmd.Flags().BoolVarP(&jsonOut, "json", "j", false, "output json")
	return cmd
}
