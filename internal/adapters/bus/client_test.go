package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Duplicate() bool   { return false }
func (m testMessage) Qos() byte         { return 1 }
func (m testMessage) Retained() bool    { return false }
func (m testMessage) Topic() string     { return m.topic }
func (m testMessage) MessageID() uint16 { return 1 }
func (m testMessage) Payload() []byte   { return m.payload }
func (m testMessage) Ack()              {}

type testPahoClient struct {
	paho.Client

	mu         sync.Mutex
	published  map[string][]byte
	handlers   map[string]paho.MessageHandler
	publishErr error
}

func newTestPahoClient() *testPahoClient {
	return &testPahoClient{published: map[string][]byte{}, handlers: map[string]paho.MessageHandler{}}
}

func (c *testPahoClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch p := payload.(type) {
	case []byte:
		c.published[topic] = p
	case string:
		c.published[topic] = []byte(p)
	}
	return doneToken{err: c.publishErr}
}

func (c *testPahoClient) Subscribe(topic string, _ byte, handler paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	return doneToken{}
}

func (c *testPahoClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return doneToken{}
}

func (c *testPahoClient) deliver(topic string, payload string) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	handler(c, testMessage{topic: topic, payload: []byte(payload)})
}

func TestPublishStatus(t *testing.T) {
	pc := newTestPahoClient()
	c := newClient(pc, Options{TopicBase: "home/upnp"})
	err := c.Publish(context.Background(), upnpbus.KindAVTransport, upnpbus.Status{Device: "tv/0/transportState", Current: "PLAYING"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload, ok := pc.published["home/upnp/stat/upnp.AVTransport"]
	if !ok {
		t.Fatalf("nothing published on status topic: %v", pc.published)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got["device"] != "tv/0/transportState" || got["current"] != "PLAYING" {
		t.Fatalf("unexpected payload %s", payload)
	}
	if _, ok := got["type"]; ok {
		t.Fatalf("empty type must be omitted: %s", payload)
	}
}

func TestPublishError(t *testing.T) {
	pc := newTestPahoClient()
	pc.publishErr = errors.New("not connected")
	c := newClient(pc, Options{})
	if err := c.Publish(context.Background(), upnpbus.KindAVTransport, upnpbus.Status{Device: "tv/0/x"}); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestSubscribeCommandsDecodes(t *testing.T) {
	pc := newTestPahoClient()
	c := newClient(pc, Options{})
	var got []upnpbus.Command
	err := c.SubscribeCommands(context.Background(), upnpbus.KindAudio, func(_ context.Context, cmd upnpbus.Command) {
		got = append(got, cmd)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	topic := "upnp/v1/cmnd/upnp.audio"
	pc.deliver(topic, `{"device":"tv","command":"pause"}`)
	pc.deliver(topic, `not json`)
	pc.deliver(topic, `{"command":"pause"}`)
	if len(got) != 1 || got[0].Kind != upnpbus.KindAudio || got[0].Command != "pause" {
		t.Fatalf("unexpected commands %+v", got)
	}
}

func TestOnConnectRestoresSubscriptions(t *testing.T) {
	pc := newTestPahoClient()
	c := newClient(pc, Options{})
	_ = c.SubscribeCommands(context.Background(), upnpbus.KindAudio, func(context.Context, upnpbus.Command) {})

	reconnected := newTestPahoClient()
	c.onConnect(reconnected)
	if _, ok := reconnected.handlers["upnp/v1/cmnd/upnp.audio"]; !ok {
		t.Fatalf("subscription not restored")
	}
	if string(reconnected.published["upnp/v1/tele/LWT"]) != "Online" {
		t.Fatalf("availability not announced")
	}
}

func TestUnsubscribeCommandsNotRestored(t *testing.T) {
	pc := newTestPahoClient()
	c := newClient(pc, Options{})
	_ = c.SubscribeCommands(context.Background(), upnpbus.KindAudio, func(context.Context, upnpbus.Command) {})
	if err := c.UnsubscribeCommands(context.Background(), upnpbus.KindAudio); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := pc.handlers["upnp/v1/cmnd/upnp.audio"]; ok {
		t.Fatalf("broker subscription not dropped")
	}

	reconnected := newTestPahoClient()
	c.onConnect(reconnected)
	if len(reconnected.handlers) != 0 {
		t.Fatalf("dropped subscription restored: %v", reconnected.handlers)
	}
}

func TestBuildTLSConfigRequiresPair(t *testing.T) {
	if cfg, err := buildTLSConfig("", "", ""); cfg != nil || err != nil {
		t.Fatalf("no tls expected")
	}
	if _, err := buildTLSConfig("", "cert.pem", ""); err == nil {
		t.Fatalf("expected missing key error")
	}
}
