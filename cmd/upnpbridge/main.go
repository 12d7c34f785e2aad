package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/upnp_bridge/internal/daemon"
	embeddedmqtt "github.com/mikey-austin/upnp_bridge/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/upnp_bridge/internal/registry"
	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

// overrides are command line settings layered over the config file.
type overrides struct {
	defaultConfig  string
	configPath     string
	broker         string
	topicBase      string
	logLevel       string
	logFormat      string
	logOutput      string
	logUTC         bool
	tlsCA          string
	tlsCert        string
	tlsKey         string
	user           string
	pass           string
	callbackListen string
	callbackHost   string
	deviceAliases  string
	embedded       bool
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var o overrides
	if path, err := daemon.DefaultConfigPath(); err == nil {
		o.defaultConfig = path
	}

	root := &cobra.Command{
		Use:           "upnpbridge",
		Short:         "Bridge UPnP media renderers to an MQTT bus",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", o.defaultConfig, "config file path")
	flags.StringVarP(&o.broker, "broker", "b", "", "MQTT broker URL")
	flags.StringVar(&o.topicBase, "topic-base", "", "MQTT topic base (default "+upnpbus.BaseTopic+")")
	flags.StringVar(&o.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	flags.StringVar(&o.logFormat, "log-format", "", "log format (text|json)")
	flags.StringVar(&o.logOutput, "log-output", "", "log output (stdout|stderr)")
	flags.BoolVar(&o.logUTC, "log-utc", false, "use UTC timestamps in logs")
	flags.StringVar(&o.tlsCA, "tls-ca", "", "TLS CA path")
	flags.StringVar(&o.tlsCert, "tls-cert", "", "TLS cert path")
	flags.StringVar(&o.tlsKey, "tls-key", "", "TLS key path")
	flags.StringVar(&o.user, "user", "", "MQTT username")
	flags.StringVar(&o.pass, "pass", "", "MQTT password")
	flags.StringVar(&o.callbackListen, "callback-listen", "", "event callback listen address")
	flags.StringVar(&o.callbackHost, "callback-host", "", "event callback host when no interface shares the device subnet")
	flags.StringVar(&o.deviceAliases, "device-aliases", "", "usn=alias,... or @aliases.yaml")
	flags.BoolVar(&o.embedded, "embedded-broker", false, "run the embedded MQTT broker")

	root.AddCommand(runCommand(&o))
	root.AddCommand(discoverCommand(&o))
	root.AddCommand(printConfigCommand(&o))
	return root
}

// resolveConfig loads the config file and applies overrides. A missing
// file is only tolerated at the default location.
func resolveConfig(o *overrides) (daemon.Config, error) {
	var cfg daemon.Config
	var err error
	if o.configPath == o.defaultConfig {
		cfg, err = daemon.LoadConfigOptional(o.configPath)
	} else {
		cfg, err = daemon.LoadConfig(o.configPath)
	}
	if err != nil {
		return daemon.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := applyOverrides(&cfg, o); err != nil {
		return daemon.Config{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg *daemon.Config, o *overrides) error {
	if o.broker != "" {
		cfg.Server.Broker = o.broker
	}
	if o.topicBase != "" {
		cfg.Server.TopicBase = o.topicBase
	}
	if o.logLevel != "" {
		cfg.Server.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Server.LogFormat = o.logFormat
	}
	if o.logOutput != "" {
		cfg.Server.LogOutput = o.logOutput
	}
	if o.logUTC {
		cfg.Server.LogUTC = true
	}
	if o.tlsCA != "" {
		cfg.Server.TLS.CA = o.tlsCA
	}
	if o.tlsCert != "" {
		cfg.Server.TLS.Cert = o.tlsCert
	}
	if o.tlsKey != "" {
		cfg.Server.TLS.Key = o.tlsKey
	}
	if o.user != "" {
		cfg.Server.Auth.User = o.user
		cfg.Server.Auth.Pass = o.pass
	}
	if o.callbackListen != "" {
		cfg.Bridge.CallbackListen = o.callbackListen
	}
	if o.callbackHost != "" {
		cfg.Bridge.CallbackHost = o.callbackHost
	}
	if o.embedded {
		cfg.Modules.EmbeddedMQTT.Enabled = true
		if cfg.Modules.EmbeddedMQTT.Username == "" {
			cfg.Modules.EmbeddedMQTT.AllowAnonymous = true
		}
	}
	if o.deviceAliases != "" {
		aliases, err := registry.ParseAliases(o.deviceAliases)
		if err != nil {
			return err
		}
		if cfg.Aliases == nil {
			cfg.Aliases = map[string]string{}
		}
		for usn, alias := range aliases {
			cfg.Aliases[usn] = alias
		}
	}

	if cfg.Server.TopicBase == "" {
		cfg.Server.TopicBase = upnpbus.BaseTopic
	}
	if cfg.Bridge.CallbackListen == "" {
		cfg.Bridge.CallbackListen = daemon.DefaultCallbackListen
	}
	if cfg.Server.Broker == "" && cfg.Modules.EmbeddedMQTT.Enabled {
		cfg.Server.Broker = embeddedConfig(*cfg).URL()
	}
	return nil
}

func embeddedConfig(cfg daemon.Config) embeddedmqtt.Config {
	e := cfg.Modules.EmbeddedMQTT
	return embeddedmqtt.Config{
		Listen:         e.Listen,
		AllowAnonymous: e.AllowAnonymous,
		Username:       e.Username,
		Password:       e.Password,
		TLSCA:          e.TLSCA,
		TLSCert:        e.TLSCert,
		TLSKey:         e.TLSKey,
	}
}
