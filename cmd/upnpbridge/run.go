package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/adapters/bus"
	"github.com/mikey-austin/upnp_bridge/internal/adapters/ssdp"
	"github.com/mikey-austin/upnp_bridge/internal/daemon"
	"github.com/mikey-austin/upnp_bridge/internal/modules/bridge"
	embeddedmqtt "github.com/mikey-austin/upnp_bridge/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/upnp_bridge/internal/renderer"
)

func runCommand(o *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(o)
			if err != nil {
				return err
			}
			logger := daemon.NewLogger(daemon.LogConfig{
				Level:  cfg.Server.LogLevel,
				Format: cfg.Server.LogFormat,
				Output: cfg.Server.LogOutput,
				UTC:    cfg.Server.LogUTC,
			})
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			modules, err := buildModules(cfg, logger)
			if err != nil {
				logger.Error("failed to build modules", zap.Error(err))
				return err
			}
			logger.Info("upnpbridge starting",
				zap.String("broker", cfg.Server.Broker),
				zap.String("topic_base", cfg.Server.TopicBase),
				zap.String("callback_listen", cfg.Bridge.CallbackListen),
				zap.Int("aliases", len(cfg.Aliases)),
				zap.Bool("embedded_mqtt", cfg.Modules.EmbeddedMQTT.Enabled))

			supervisor := daemon.Supervisor{Logger: logger}
			if err := supervisor.Run(ctx, modules); err != nil {
				logger.Error("supervisor error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

// buildModules returns the embedded broker (when enabled) and the bridge. The
// bridge connects to the bus only once the embedded broker is listening.
func buildModules(cfg daemon.Config, logger *zap.Logger) ([]daemon.ModuleRunner, error) {
	if cfg.Server.Broker == "" {
		return nil, errors.New("broker is required (set --broker, --embedded-broker or config)")
	}

	modules := []daemon.ModuleRunner{}
	var broker *embeddedmqtt.Module
	if cfg.Modules.EmbeddedMQTT.Enabled {
		var err error
		broker, err = embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg))
		if err != nil {
			return nil, err
		}
		modules = append(modules, daemon.ModuleRunner{Name: "embedded_mqtt", Run: broker.Run})
	}

	log := logger.With(zap.String("module", "bridge"))
	modules = append(modules, daemon.ModuleRunner{
		Name: "bridge",
		Run: func(ctx context.Context) error {
			if broker != nil {
				select {
				case <-broker.Ready():
				case <-ctx.Done():
					return nil
				}
			}
			client, err := bus.NewClient(busOptions(cfg, log))
			if err != nil {
				return err
			}
			defer client.Close()

			searcher := ssdp.NewSearcher(ssdp.Options{
				SearchTarget: cfg.Bridge.SearchTarget,
				Logger:       log,
			})
			mod, err := bridge.NewModule(log, client, searcher, bridgeConfig(cfg))
			if err != nil {
				return err
			}
			return mod.Run(ctx)
		},
	})
	return modules, nil
}

func busOptions(cfg daemon.Config, log *zap.Logger) bus.Options {
	clientID := cfg.Server.Identity
	if clientID == "" {
		clientID = "upnpbridge-" + uuid.NewString()
	}
	return bus.Options{
		BrokerURL: cfg.Server.Broker,
		ClientID:  clientID,
		Username:  cfg.Server.Auth.User,
		Password:  cfg.Server.Auth.Pass,
		TLSCA:     cfg.Server.TLS.CA,
		TLSCert:   cfg.Server.TLS.Cert,
		TLSKey:    cfg.Server.TLS.Key,
		TopicBase: cfg.Server.TopicBase,
		Timeout:   5 * time.Second,
		Logger:    log,
		Debug:     cfg.Server.LogLevel == "debug",
	}
}

func bridgeConfig(cfg daemon.Config) bridge.Config {
	return bridge.Config{
		CallbackListen:    cfg.Bridge.CallbackListen,
		CallbackHost:      cfg.Bridge.CallbackHost,
		DiscoveryInterval: cfg.Bridge.DiscoveryInterval(),
		SOAPTimeout:       cfg.Bridge.SOAPTimeout(),
		Aliases:           cfg.Aliases,
		Device: renderer.Config{
			AVTransportPoll:     cfg.Bridge.AVTransportPoll(),
			FullAVTransportPoll: cfg.Bridge.FullAVTransportPoll,
			RenderingPoll:       cfg.Bridge.RenderingPoll(),
			ConnectionPoll:      cfg.Bridge.ConnectionPoll(),
		},
	}
}
