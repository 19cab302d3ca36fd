package mqttclient

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 120 * time.Second
)

type MessageHandler func(topic string, payload []byte)

// Client wraps a single long-lived paho connection. All subsystems share it;
// nobody opens a second broker session.
type Client struct {
	conn      mqtt.Client
	connected atomic.Bool
	log       zerolog.Logger
	handler   MessageHandler

	mu     sync.Mutex
	topics map[string]struct{}

	stopped atomic.Bool
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Log       zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		log:    opts.Log,
		topics: make(map[string]struct{}),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(false).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// SetMessageHandler installs the single inbound message callback.
// Must be called before the first subscription fires.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler = h
}

// Subscribe adds a topic filter and subscribes immediately when connected.
// The filter is re-installed after every reconnect.
func (c *Client) Subscribe(filters ...string) {
	c.mu.Lock()
	for _, f := range filters {
		c.topics[f] = struct{}{}
	}
	c.mu.Unlock()

	if !c.connected.Load() {
		return
	}
	for _, f := range filters {
		token := c.conn.Subscribe(f, 0, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("filter", f).Msg("mqtt subscribe failed")
		}
	}
}

// Publish sends a message, best effort. Delivery is not awaited; a publish
// during a broker outage is queued by paho or dropped, never blocks callers.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.conn.Publish(topic, 0, false, payload)
	if token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)

	c.mu.Lock()
	filters := make(map[string]byte, len(c.topics))
	for t := range c.topics {
		filters[t] = 0
	}
	c.mu.Unlock()

	c.log.Info().Int("filters", len(filters)).Msg("mqtt connected, subscribing")
	if len(filters) == 0 {
		return
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
	go c.reconnectLoop()
}

// reconnectLoop retries forever with exponential backoff, 1s doubling to
// 120s, jittered so a fleet of instances does not stampede the broker.
func (c *Client) reconnectLoop() {
	backoff := reconnectMin
	for !c.stopped.Load() {
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		time.Sleep(backoff + jitter)

		token := c.conn.Connect()
		token.Wait()
		if token.Error() == nil {
			return
		}
		c.log.Warn().Err(token.Error()).Dur("backoff", backoff).Msg("mqtt reconnect failed")

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.handler != nil {
		c.handler(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message received")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.stopped.Store(true)
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
