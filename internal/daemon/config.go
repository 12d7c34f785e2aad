package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mikey-austin/upnp_bridge/internal/renderer"
)

// Config is the top-level configuration for upnpbridge.
type Config struct {
	Server  ServerConfig      `toml:"server"`
	Bridge  BridgeConfig      `toml:"bridge"`
	Aliases map[string]string `toml:"aliases"`
	Modules ModulesConfig     `toml:"modules"`
}

// ServerConfig defines bus and logging settings.
type ServerConfig struct {
	Broker    string     `toml:"broker"`
	Identity  string     `toml:"identity"`
	TopicBase string     `toml:"topic_base"`
	LogLevel  string     `toml:"log_level"`
	LogFormat string     `toml:"log_format"`
	LogOutput string     `toml:"log_output"`
	LogUTC    bool       `toml:"log_utc"`
	TLS       TLSConfig  `toml:"tls"`
	Auth      AuthConfig `toml:"auth"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT auth credentials.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// BridgeConfig configures discovery, eventing and polling.
type BridgeConfig struct {
	CallbackListen      string `toml:"callback_listen"`
	CallbackHost        string `toml:"callback_host"`
	DiscoveryIntervalMS int64  `toml:"discovery_interval_ms"`
	SearchTarget        string `toml:"search_target"`
	SOAPTimeoutMS       int64  `toml:"soap_timeout_ms"`
	FullAVTransportPoll bool   `toml:"full_avtransport_poll"`
	RenderingPollMS     int64  `toml:"rendering_poll_ms"`
	ConnectionPollMS    int64  `toml:"connection_poll_ms"`
	// AVTransportPollMS is a pointer so an explicit 0 can disable polling.
	AVTransportPollMS *int64 `toml:"avtransport_poll_ms"`
}

// ModulesConfig holds optional module configurations.
type ModulesConfig struct {
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// Defaults used when a field is left unset.
const (
	DefaultCallbackListen    = ":0"
	DefaultDiscoveryInterval = 5 * time.Second
	DefaultSOAPTimeout       = 5 * time.Second
	DefaultAVTransportPoll   = renderer.DefaultAVTransportPoll
)

// DiscoveryInterval returns the SSDP search period.
func (b BridgeConfig) DiscoveryInterval() time.Duration {
	return millis(b.DiscoveryIntervalMS, DefaultDiscoveryInterval)
}

// SOAPTimeout returns the HTTP timeout for device requests. A negative
// setting disables the timeout.
func (b BridgeConfig) SOAPTimeout() time.Duration {
	if b.SOAPTimeoutMS < 0 {
		return 0
	}
	return millis(b.SOAPTimeoutMS, DefaultSOAPTimeout)
}

// AVTransportPoll returns the transport poll period. Unset uses the
// default; zero or less disables the loop.
func (b BridgeConfig) AVTransportPoll() time.Duration {
	if b.AVTransportPollMS == nil {
		return DefaultAVTransportPoll
	}
	return millis(*b.AVTransportPollMS, 0)
}

// RenderingPoll returns the rendering poll period; zero disables it.
func (b BridgeConfig) RenderingPoll() time.Duration {
	return millis(b.RenderingPollMS, 0)
}

// ConnectionPoll returns the connection poll period; zero disables it.
func (b BridgeConfig) ConnectionPoll() time.Duration {
	return millis(b.ConnectionPollMS, 0)
}

func millis(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// LoadConfig loads a config file from path.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigOptional is LoadConfig that treats a missing file as an
// empty configuration.
func LoadConfigOptional(path string) (Config, error) {
	cfg, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	return cfg, err
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "upnp_bridge", "upnpbridge.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "upnp_bridge", "upnpbridge.toml"), nil
}
