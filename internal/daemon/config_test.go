package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "upnpbridge.toml")
	data := []byte("" +
		"[server]\n" +
		"broker = \"mqtt://localhost\"\n" +
		"topic_base = \"home/upnp\"\n" +
		"\n" +
		"[bridge]\n" +
		"callback_listen = \":8058\"\n" +
		"discovery_interval_ms = 10000\n" +
		"rendering_poll_ms = 2000\n" +
		"full_avtransport_poll = true\n" +
		"\n" +
		"[aliases]\n" +
		"\"uuid:abc\" = \"tv\"\n" +
		"\n" +
		"[modules.embedded_mqtt]\n" +
		"enabled = true\n" +
		"allow_anonymous = true\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Broker != "mqtt://localhost" || cfg.Server.TopicBase != "home/upnp" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Bridge.CallbackListen != ":8058" || !cfg.Bridge.FullAVTransportPoll {
		t.Fatalf("unexpected bridge config %+v", cfg.Bridge)
	}
	if cfg.Bridge.DiscoveryInterval() != 10*time.Second || cfg.Bridge.RenderingPoll() != 2*time.Second {
		t.Fatalf("unexpected intervals")
	}
	if cfg.Aliases["uuid:abc"] != "tv" {
		t.Fatalf("expected alias, got %v", cfg.Aliases)
	}
	if !cfg.Modules.EmbeddedMQTT.Enabled {
		t.Fatalf("expected embedded broker enabled")
	}
}

func TestBridgeDefaults(t *testing.T) {
	var b BridgeConfig
	if b.DiscoveryInterval() != DefaultDiscoveryInterval {
		t.Fatalf("discovery default")
	}
	if b.SOAPTimeout() != DefaultSOAPTimeout || b.AVTransportPoll() != time.Second {
		t.Fatalf("timeout defaults")
	}
	if b.RenderingPoll() != 0 || b.ConnectionPoll() != 0 {
		t.Fatalf("extra polling must default off")
	}
	b.SOAPTimeoutMS = -1
	if b.SOAPTimeout() != 0 {
		t.Fatalf("negative timeout disables")
	}
}

func TestLoadConfigOptionalMissing(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("missing config: %v", err)
	}
	if cfg.Server.Broker != "" {
		t.Fatalf("expected empty config")
	}
	if _, err := LoadConfig(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("default config path: %v", err)
	}
	if path != "/tmp/xdg/upnp_bridge/upnpbridge.toml" {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestAVTransportPollExplicitZeroDisables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upnpbridge.toml")
	if err := os.WriteFile(path, []byte("[bridge]\navtransport_poll_ms = 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Bridge.AVTransportPoll(); got != 0 {
		t.Fatalf("explicit zero must disable polling, got %v", got)
	}

	if err := os.WriteFile(path, []byte("[bridge]\navtransport_poll_ms = 2500\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Bridge.AVTransportPoll(); got != 2500*time.Millisecond {
		t.Fatalf("unexpected interval %v", got)
	}
}
