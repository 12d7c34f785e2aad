package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mikey-austin/upnp_bridge/internal/daemon"
	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

func TestApplyOverridesDefaults(t *testing.T) {
	cfg := daemon.Config{}
	if err := applyOverrides(&cfg, &overrides{embedded: true}); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if cfg.Server.TopicBase != upnpbus.BaseTopic {
		t.Fatalf("expected default topic base, got %q", cfg.Server.TopicBase)
	}
	if cfg.Server.Broker != "mqtt://127.0.0.1:1883" {
		t.Fatalf("expected embedded broker url, got %q", cfg.Server.Broker)
	}
	if !cfg.Modules.EmbeddedMQTT.AllowAnonymous {
		t.Fatalf("embedded broker without users should allow anonymous")
	}
	if cfg.Bridge.CallbackListen != daemon.DefaultCallbackListen {
		t.Fatalf("expected default callback listen")
	}
}

func TestApplyOverridesAliases(t *testing.T) {
	cfg := daemon.Config{Aliases: map[string]string{"uuid:a": "kitchen"}}
	o := &overrides{deviceAliases: "uuid:b::urn:schemas-upnp-org:service:AVTransport:1=lounge", broker: "mqtt://bus:1883"}
	if err := applyOverrides(&cfg, o); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if cfg.Aliases["uuid:a"] != "kitchen" || cfg.Aliases["uuid:b"] != "lounge" {
		t.Fatalf("unexpected aliases %v", cfg.Aliases)
	}
	if cfg.Server.Broker != "mqtt://bus:1883" {
		t.Fatalf("broker override lost")
	}

	if err := applyOverrides(&cfg, &overrides{deviceAliases: "bogus"}); err == nil {
		t.Fatalf("expected alias parse error")
	}
}

func TestResolveConfigMissingFile(t *testing.T) {
	dir := t.TempDir()
	o := &overrides{defaultConfig: filepath.Join(dir, "default.toml")}
	o.configPath = o.defaultConfig
	if _, err := resolveConfig(o); err != nil {
		t.Fatalf("missing default config must be tolerated: %v", err)
	}
	o.configPath = filepath.Join(dir, "explicit.toml")
	if _, err := resolveConfig(o); err == nil {
		t.Fatalf("missing explicit config must fail")
	}
}

func TestBuildModules(t *testing.T) {
	logger := daemon.NewLogger(daemon.LogConfig{Level: "error"})
	if _, err := buildModules(daemon.Config{}, logger); err == nil {
		t.Fatalf("expected broker error")
	}

	cfg := daemon.Config{}
	if err := applyOverrides(&cfg, &overrides{embedded: true}); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	modules, err := buildModules(cfg, logger)
	if err != nil {
		t.Fatalf("buildModules: %v", err)
	}
	if len(modules) != 2 || modules[0].Name != "embedded_mqtt" || modules[1].Name != "bridge" {
		t.Fatalf("unexpected modules %+v", modules)
	}
}

func TestBridgeConfig(t *testing.T) {
	cfg := daemon.Config{Bridge: daemon.BridgeConfig{RenderingPollMS: 1500, FullAVTransportPoll: true}}
	bc := bridgeConfig(cfg)
	if bc.Device.RenderingPoll != 1500*time.Millisecond || !bc.Device.FullAVTransportPoll {
		t.Fatalf("unexpected device config %+v", bc.Device)
	}
	if bc.Device.AVTransportPoll != time.Second || bc.DiscoveryInterval != 5*time.Second {
		t.Fatalf("unexpected defaults %+v", bc)
	}
	if busOptions(cfg, nil).ClientID == busOptions(cfg, nil).ClientID {
		t.Fatalf("client ids must be unique without an identity")
	}
}

func TestPrintConfigRedacts(t *testing.T) {
	cfg := daemon.Config{}
	cfg.Server.Broker = "mqtt://bus"
	cfg.Server.Auth.Pass = "secret"
	var buf bytes.Buffer
	if err := printConfig(&buf, cfg); err != nil {
		t.Fatalf("printConfig: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "secret") || !strings.Contains(out, redacted) || !strings.Contains(out, "mqtt://bus") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "round.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := daemon.LoadConfig(path)
	if err != nil || loaded.Server.Broker != "mqtt://bus" {
		t.Fatalf("printed config does not load: %v", err)
	}
}
