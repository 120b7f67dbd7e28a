// Package mqttpub mirrors faucet state to an MQTT broker and accepts commands
// from it.
package mqttpub

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const publishTimeout = 10 * time.Second

// Broker is the part of an MQTT client the bridge uses.
type Broker interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Close()
}

// Options configures the paho connection.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// StatusTopic receives a retained "online" on connect and is the will
	// topic, so it turns "offline" when the connection drops.
	StatusTopic string
}

// Client is a Broker backed by paho.
type Client struct {
	client mqtt.Client
	qos    byte
	status string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]func(string, []byte)
}

// Connect dials the broker. Reconnects are automatic and restore subscriptions.
func Connect(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	server, tlsEnabled, err := brokerURL(opts.Broker)
	if err != nil {
		return nil, err
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "moenhome-" + uuid.NewString()
	}

	c := &Client{
		qos:    opts.QoS,
		status: opts.StatusTopic,
		logger: logger.With("broker", server),
		subs:   make(map[string]func(string, []byte)),
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(server)
	mo.SetClientID(clientID)
	mo.SetUsername(opts.Username)
	mo.SetPassword(opts.Password)
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetConnectTimeout(10 * time.Second)
	mo.SetOrderMatters(false)
	if tlsEnabled {
		mo.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if c.status != "" {
		mo.SetWill(c.status, "offline", c.qos, true)
	}
	mo.OnConnect = func(client mqtt.Client) {
		c.logger.Info("mqtt connected")
		if c.status != "" {
			client.Publish(c.status, c.qos, true, "online")
		}
		c.resubscribeAll(client)
	}
	mo.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err)
	}

	c.client = mqtt.NewClient(mo)
	if token := c.client.Connect(); token.WaitTimeout(15*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return c, nil
}

// Publish waits up to publishTimeout for the broker to accept the message. A
// timeout is an error; paho keeps the message queued for redelivery.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	token := c.client.Publish(topic, c.qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timed out after %s", topic, publishTimeout)
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, handler func(string, []byte)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		c.logger.Info("mqtt subscription deferred until connected", "topic", topic)
		return nil
	}
	token := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timed out after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return err
	}
	c.logger.Info("mqtt subscribed", "topic", topic)
	return nil
}

// Close publishes the offline status and disconnects.
func (c *Client) Close() {
	if c.status != "" {
		_ = c.Publish(c.status, []byte("offline"), true)
	}
	c.client.Disconnect(250)
}

func (c *Client) resubscribeAll(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]func(string, []byte), len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		client.Subscribe(topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
	}
}

// brokerURL normalizes mqtt://, tcp://, ssl://, tls:// and ws(s):// URLs
// into the form paho expects.
func brokerURL(raw string) (string, bool, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("invalid mqtt broker %q", raw)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, false, nil
	case "mqtts", "ssl", "tls":
		return "ssl://" + u.Host, true, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, u.Scheme == "wss", nil
	default:
		return "", false, fmt.Errorf("unsupported mqtt scheme %q", u.Scheme)
	}
}
