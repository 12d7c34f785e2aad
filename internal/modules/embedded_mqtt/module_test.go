package embeddedmqtt

import (
	"context"
	"net"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

func TestNewServerAllowAnonymous(t *testing.T) {
	server, err := newServer(zap.NewNop(), Config{AllowAnonymous: true})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	if server == nil {
		t.Fatalf("expected server")
	}
}

func TestNewServerRequiresAuthConfig(t *testing.T) {
	_, err := newServer(zap.NewNop(), Config{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestInlineStatusDelivery(t *testing.T) {
	server, err := newServer(zap.NewNop(), Config{AllowAnonymous: true})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}

	received := make(chan packets.Packet, 1)
	handler := func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		received <- pk
	}
	if err := server.Subscribe(upnpbus.BaseTopic+"/stat/#", 1, handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	topic := upnpbus.TopicStatus(upnpbus.BaseTopic, upnpbus.KindAVTransport)
	payload := []byte(`{"device":"tv/0/transportState","current":"PLAYING"}`)
	if err := server.Publish(topic, payload, false, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case pk := <-received:
		if pk.TopicName != topic || string(pk.Payload) != string(payload) {
			t.Fatalf("unexpected packet %s %s", pk.TopicName, pk.Payload)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
	}
}

func TestRunSignalsReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	mod, err := NewModule(zap.NewNop(), Config{Listen: addr, AllowAnonymous: true})
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mod.Run(ctx) }()

	select {
	case <-mod.Ready():
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("broker not ready")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("broker did not stop")
	}
}

func TestBuildTLSConfigRequiresPair(t *testing.T) {
	if _, err := buildTLSConfig("ca.pem", "", ""); err == nil {
		t.Fatalf("expected error without cert and key")
	}
}

func TestBrokerURL(t *testing.T) {
	if BrokerURL("127.0.0.1:1883", false) != "mqtt://127.0.0.1:1883" {
		t.Fatalf("expected mqtt scheme")
	}
	if BrokerURL("127.0.0.1:8883", true) != "mqtts://127.0.0.1:8883" {
		t.Fatalf("expected mqtts scheme")
	}
	if (Config{}).URL() != "mqtt://"+DefaultListen {
		t.Fatalf("expected default url")
	}
}
