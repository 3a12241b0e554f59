// Package pushclient subscribes a kiosk to its push channels and reports
// presence to the server.
package pushclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"kioskads/internal/push"
)

// Handler consumes decoded notifications.
type Handler interface {
	HandleEvent(ctx context.Context, ev push.Event) error
	NotifyReconnected()
}

// Options configures a Client.
type Options struct {
	BrokerURL      string
	KioskID        int64
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	QueueSize      int
	Now            func() time.Time
}

// Client is a paho MQTT session for one kiosk. Events are handed to the
// Handler one at a time in arrival order; when the Handler falls behind,
// newer events are dropped and left to reconciliation.
type Client struct {
	opts    Options
	handler Handler
	logger  *slog.Logger
	mqtt    mqtt.Client

	events   chan push.Event
	dropped  atomic.Uint64
	connects atomic.Uint64

	mu      sync.Mutex
	running bool
}

// New validates opts and prepares the MQTT session without connecting.
func New(opts Options, handler Handler, logger *slog.Logger) (*Client, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("broker url is required")
	}
	if opts.KioskID <= 0 {
		return nil, errors.New("kiosk id must be positive")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{
		opts:    opts,
		handler: handler,
		logger:  logger,
		events:  make(chan push.Event, opts.QueueSize),
	}

	mo := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(push.ClientID(opts.KioskID)).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(opts.Heartbeat).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("push channel lost", "error", err)
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			c.logger.Debug("reconnecting to push channel")
		})
	c.mqtt = mqtt.NewClient(mo)
	return c, nil
}

// Topics are the channels the kiosk listens on.
func (c *Client) Topics() []string {
	return []string{push.KioskTopic(c.opts.KioskID), push.BroadcastTopic}
}

// Dropped counts events discarded because the handler queue was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Connects counts successful (re)connections.
func (c *Client) Connects() uint64 { return c.connects.Load() }

// Run connects, then delivers events and heartbeats until ctx is cancelled.
// Connection failures are retried in the background and never end Run.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("push client already running")
	}
	c.running = true
	c.mu.Unlock()

	c.mqtt.Connect()
	defer c.mqtt.Disconnect(250)

	heartbeat := time.NewTicker(c.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			if err := c.handler.HandleEvent(ctx, ev); err != nil && ctx.Err() == nil {
				c.logger.Warn("push event not applied", "type", ev.Type, "ad", eventAdID(ev), "error", err)
			}
		case <-heartbeat.C:
			c.publishPresence(push.HeartbeatTopic)
		}
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	filters := make(map[string]byte, 2)
	for _, topic := range c.Topics() {
		filters[topic] = 0
	}
	tok := client.SubscribeMultiple(filters, c.onMessage)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) || tok.Error() != nil {
		c.logger.Error("subscribe to push channels", "error", tok.Error())
		return
	}

	n := c.connects.Add(1)
	c.logger.Info("push channel connected", "broker", c.opts.BrokerURL, "connects", n)
	c.publishPresence(push.JoinTopic)
	c.handler.NotifyReconnected()
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ev, err := push.Decode(msg.Payload())
	if err != nil {
		c.logger.Warn("malformed push event", "topic", msg.Topic(), "error", err)
		return
	}
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
		c.logger.Warn("push event dropped, handler busy", "type", ev.Type, "ad", eventAdID(ev))
	}
}

func (c *Client) publishPresence(topic string) {
	if !c.mqtt.IsConnectionOpen() {
		return
	}
	payload, err := json.Marshal(push.PresenceMessage{KioskID: c.opts.KioskID, Timestamp: c.opts.Now().UTC()})
	if err != nil {
		c.logger.Error("encode presence", "error", err)
		return
	}
	tok := c.mqtt.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		c.logger.Warn("presence publish timed out", "topic", topic)
		return
	}
	if err := tok.Error(); err != nil {
		c.logger.Warn("presence publish failed", "topic", topic, "error", err)
	}
}

func eventAdID(ev push.Event) string {
	switch {
	case ev.Ad != nil:
		return fmt.Sprint(ev.Ad.ID)
	case ev.AdID > 0:
		return fmt.Sprint(ev.AdID)
	default:
		return ""
	}
}
