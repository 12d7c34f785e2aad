// Package bus connects the bridge to the MQTT bus.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

// Options configures the bus client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	TopicBase string
	Timeout   time.Duration
	Logger    *zap.Logger
	Debug     bool
}

// CommandHandler receives decoded commands.
type CommandHandler func(ctx context.Context, cmd upnpbus.Command)

// Client publishes status records and receives commands over MQTT.
type Client struct {
	client    paho.Client
	log       *zap.Logger
	debug     bool
	topicBase string
	timeout   time.Duration

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

// TopicAvailability is where the client announces Online/Offline.
func TopicAvailability(topicBase string) string {
	return topicBase + "/tele/LWT"
}

// NewClient connects to the broker.
func NewClient(opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TopicBase == "" {
		opts.TopicBase = upnpbus.BaseTopic
	}
	c := newClient(nil, opts)

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetWill(TopicAvailability(opts.TopicBase), "Offline", 1, true)
	clientOpts.SetOnConnectHandler(c.onConnect)
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn("mqtt connection lost", zap.Error(err))
	})

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := buildTLSConfig(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return c, nil
}

func newClient(client paho.Client, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TopicBase == "" {
		opts.TopicBase = upnpbus.BaseTopic
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Client{
		client:    client,
		log:       opts.Logger,
		debug:     opts.Debug,
		topicBase: opts.TopicBase,
		timeout:   opts.Timeout,
		subs:      map[string]paho.MessageHandler{},
	}
}

// onConnect announces availability and restores subscriptions after a
// reconnect with a clean session.
func (c *Client) onConnect(client paho.Client) {
	client.Publish(TopicAvailability(c.topicBase), 1, true, "Online")
	c.mu.Lock()
	subs := make(map[string]paho.MessageHandler, len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()
	for topic, handler := range subs {
		token := client.Subscribe(topic, 1, handler)
		if token.WaitTimeout(c.timeout) && token.Error() != nil {
			c.log.Warn("mqtt resubscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

// TopicBase returns the topic prefix in use.
func (c *Client) TopicBase() string {
	return c.topicBase
}

// Publish sends a status record on the status topic of kind.
func (c *Client) Publish(ctx context.Context, kind string, status upnpbus.Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return c.PublishRaw(ctx, upnpbus.TopicStatus(c.topicBase, kind), false, payload)
}

// PublishRaw publishes payload on topic and waits for the broker.
func (c *Client) PublishRaw(ctx context.Context, topic string, retained bool, payload []byte) error {
	if c.debug {
		c.log.Debug("mqtt publish", zap.String("topic", topic), zap.Int("bytes", len(payload)), zap.String("payload", truncatePayload(payload)))
	}
	return c.wait(ctx, c.client.Publish(topic, 1, retained, payload))
}

// SubscribeCommands delivers commands of kind to handler. Payloads that do
// not decode are logged and dropped.
func (c *Client) SubscribeCommands(ctx context.Context, kind string, handler CommandHandler) error {
	topic := upnpbus.TopicCommand(c.topicBase, kind)
	return c.subscribe(ctx, topic, func(_ paho.Client, msg paho.Message) {
		if c.debug {
			c.log.Debug("mqtt message", zap.String("topic", msg.Topic()), zap.Int("bytes", len(msg.Payload())), zap.String("payload", truncatePayload(msg.Payload())))
		}
		msgKind, ok := upnpbus.KindFromCommandTopic(c.topicBase, msg.Topic())
		if !ok {
			msgKind = kind
		}
		cmd, err := upnpbus.DecodeCommand(msg.Payload(), msgKind)
		if err != nil {
			c.log.Warn("invalid bus command", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		handler(ctx, cmd)
	})
}

func (c *Client) subscribe(ctx context.Context, topic string, handler paho.MessageHandler) error {
	if c.debug {
		c.log.Debug("mqtt subscribe", zap.String("topic", topic))
	}
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return c.wait(ctx, c.client.Subscribe(topic, 1, handler))
}

// UnsubscribeCommands stops command delivery for kind. The subscription is
// not restored on reconnect.
func (c *Client) UnsubscribeCommands(ctx context.Context, kind string) error {
	topic := upnpbus.TopicCommand(c.topicBase, kind)
	if c.debug {
		c.log.Debug("mqtt unsubscribe", zap.String("topic", topic))
	}
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	return c.wait(ctx, c.client.Unsubscribe(topic))
}

// Close announces Offline and disconnects.
func (c *Client) Close() {
	token := c.client.Publish(TopicAvailability(c.topicBase), 1, true, "Offline")
	token.WaitTimeout(c.timeout)
	c.client.Disconnect(250)
}

func (c *Client) wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.timeout):
		return errors.New("mqtt operation timed out")
	}
}

func truncatePayload(payload []byte) string {
	const max = 2048
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "..."
}

func buildTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	if caPath == "" && certPath == "" && keyPath == "" {
		return nil, nil
	}

	config := &tls.Config{}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA bundle")
		}
		config.RootCAs = pool
	}

	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, errors.New("both tls cert and key are required")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
