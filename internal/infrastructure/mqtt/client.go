package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/config"
)

// Client is the kernel's broker session. paho owns reconnection; Client
// remembers subscriptions so they survive a reconnect, keeps the status
// topic current and reports connection changes to one pair of callbacks.
//
// All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	connected atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	mu           sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is satisfied by core.Logger and *slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// MessageHandler receives one inbound message. paho calls it from its own
// goroutine; a returned error is logged and the message is still acked.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and waits for the first CONNACK.
//
// The LWT and the online status both go to Topics().Status(). After the
// first connect paho reconnects with backoff and the client replays its
// subscriptions on every reconnect.
//
// Parameters:
//   - cfg: MQTT configuration (broker, auth, QoS, topic prefix)
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnect if the broker refused or did not answer
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connectionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.connectionDown(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Warn("reconnecting to MQTT broker", "host", cfg.Broker.Host, "port", cfg.Broker.Port)
	})

	c.client = pahomqtt.NewClient(opts)
	if err := c.await(c.client.Connect(), defaultConnectTimeout, ErrConnect, fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port)); err != nil {
		return nil, err
	}
	// The connect handler runs on its own goroutine and may not have fired.
	c.connected.Store(true)
	return c, nil
}

// await waits for token, wrapping a timeout or broker error in sentinel.
func (c *Client) await(token pahomqtt.Token, timeout time.Duration, sentinel error, subject string) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %s: no reply after %v", sentinel, subject, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", sentinel, subject, err)
	}
	return nil
}

func (c *Client) connectionUp() {
	c.connected.Store(true)
	c.resubscribe()
	if err := c.publish(c.topics.Status(), statusPayload("online", c.cfg.Broker.ClientID, ""), byte(c.cfg.QoS), true); err != nil {
		c.log().Warn("publishing MQTT online status", "error", err)
	}

	c.mu.RLock()
	fn := c.onConnect
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) connectionDown(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	fn := c.onDisconnect
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// Close replaces the retained online status with a graceful offline one
// and disconnects. Closing a client that never connected is a no-op.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		payload := statusPayload("offline", c.cfg.Broker.ClientID, "graceful_shutdown")
		if err := c.publish(c.topics.Status(), payload, byte(c.cfg.QoS), true); err != nil {
			c.log().Warn("publishing MQTT offline status", "error", err)
		}
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is up right now.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnectionOpen()
}

// SetOnConnect sets fn to run after every connect, including reconnects,
// once subscriptions are restored.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect sets fn to run when the session is lost. Close does not
// trigger it.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger sets the logger for handler failures and reconnect warnings.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logger == nil {
		return nopLogger{}
	}
	return c.logger
}

// wrapHandler adapts handler to paho, logging its error and recovering
// its panic.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panicked", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
