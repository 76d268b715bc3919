// Package busclient wraps github.com/eclipse/paho.mqtt.golang into the
// hook-driven, single-writer client the rest of this module is built
// around: one TCP/TLS connection, a fixed set of async notification hooks
// (connect, disconnect, subscribe, unsubscribe, publish, message), and no
// built-in reconnect — that policy belongs entirely to the Supervisor.
//
// # Credentials
//
// A Client is built from a Settings value: PasswordSettings for the
// loopback host leg, CertificateSettings for a mutually authenticated
// remote leg. See settings.go for both.
//
// # Hooks
//
// Each hook is a single-slot callback field. Setting a new hook replaces
// whatever was installed before; callers that need a one-shot notification
// (wait for the next connect, say) save the previous hook, install their
// own, and restore the saved one once it fires.
//
// # Lifecycle
//
// c, err := busclient.New(settings, logger)
// token := c.Connect()
// token.WaitTimeout(busclient.RetryConnectTimeout)
// ...
// c.Disconnect(250) // quiesce time in milliseconds
package busclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
)

// ConnectHook is invoked whenever a connect attempt resolves, successfully
// or not.
type ConnectHook func(success bool, err error)

// DisconnectHook is invoked when the connection is lost or deliberately
// closed.
type DisconnectHook func(err error)

// SubscribeHook and UnsubscribeHook are invoked once the broker has
// acknowledged (or refused) the subscription identified by mid.
type SubscribeHook func(mid uint16, err error)
type UnsubscribeHook func(mid uint16, err error)

// PublishHook is invoked once a publish has been accepted by the broker.
type PublishHook func(mid uint16, err error)

// MessageHook is invoked for every inbound message matching an active
// subscription filter.
type MessageHook func(topic string, payload []byte)

// Client is a single MQTT connection to one side of a Forwarder.
type Client struct {
	settings Settings
	logger   *slog.Logger
	inner    mqtt.Client

	mu            sync.Mutex
	onConnect     ConnectHook
	onDisconnect  DisconnectHook
	onSubscribe   SubscribeHook
	onUnsubscribe UnsubscribeHook
	onPublish     PublishHook
	onMessage     MessageHook

	midSeq atomic.Uint32
}

// New builds a Client for settings. The underlying paho client is
// constructed but not connected; call Connect to open the connection.
func New(settings Settings, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		panic("busclient: logger must not be nil")
	}

	c := &Client{settings: settings, logger: logger}

	clientID := fmt.Sprintf("forwarder-%s", settings.ControllerID())
	opts, err := settings.clientOptions(clientID)
	if err != nil {
		return nil, err
	}
	opts.SetOnConnectHandler(func(mqtt.Client) { c.fireConnect(true, nil) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.fireDisconnect(err) })
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.fireMessage(msg.Topic(), msg.Payload())
	})

	c.inner = mqtt.NewClient(opts)
	return c, nil
}

// ControllerID returns the identity this Client's Settings were built for.
func (c *Client) ControllerID() ctrlid.ID { return c.settings.ControllerID() }

// Address returns the broker address this Client dials, for logging.
func (c *Client) Address() string { return c.settings.Address() }

// Connected reports whether the underlying connection is currently up.
func (c *Client) Connected() bool { return c.inner.IsConnected() }

// connectedPollInterval is how often WaitUntilConnected re-checks Connected
// while it blocks.
const connectedPollInterval = 10 * time.Millisecond

// WaitUntilConnected blocks the calling goroutine until Connected reports
// true, ctx is done, or timeout elapses, whichever happens first.
func (c *Client) WaitUntilConnected(ctx context.Context, timeout time.Duration) error {
	if c.Connected() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(connectedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("busclient: %s: %w waiting to connect", c.ControllerID(), ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("busclient: %s: timed out after %s waiting to connect", c.ControllerID(), timeout)
		case <-ticker.C:
			if c.Connected() {
				return nil
			}
		}
	}
}

// Connect starts an asynchronous connection attempt and returns its token.
// The connect hook fires exactly once per call, with success=true when the
// token completes without error (also delivered through paho's own
// OnConnectHandler) or success=false carrying the token's error.
func (c *Client) Connect() mqtt.Token {
	token := c.inner.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.fireConnect(false, err)
		}
	}()
	return token
}

// Disconnect closes the connection, waiting up to quiesceMillis for
// in-flight work to drain, and fires the disconnect hook with a nil error
// to distinguish a deliberate close from a lost connection.
func (c *Client) Disconnect(quiesceMillis uint) {
	c.inner.Disconnect(quiesceMillis)
	c.fireDisconnect(nil)
}

// Subscribe installs the given filters and returns the token tracking the
// broker's acknowledgement plus a locally synthesized correlation id. The
// subscribe hook fires once the token resolves.
func (c *Client) Subscribe(filters []ctrlid.Filter) (mqtt.Token, uint16) {
	mid := c.nextMID()
	topics := make(map[string]byte, len(filters))
	for _, f := range filters {
		topics[f.Topic] = f.QoS
	}
	token := c.inner.SubscribeMultiple(topics, nil)
	go func() {
		token.Wait()
		c.fireSubscribe(mid, token.Error())
	}()
	return token, mid
}

// Unsubscribe removes the given topic filters. The unsubscribe hook fires
// once the token resolves.
func (c *Client) Unsubscribe(topics []string) (mqtt.Token, uint16) {
	mid := c.nextMID()
	token := c.inner.Unsubscribe(topics...)
	go func() {
		token.Wait()
		c.fireUnsubscribe(mid, token.Error())
	}()
	return token, mid
}

// Publish sends payload to topic at QoS 0. The publish hook fires once the
// token resolves (for QoS 0 this is near-immediate local acceptance, not a
// broker acknowledgement — matching the wire protocol's best-effort
// semantics).
func (c *Client) Publish(topic string, payload []byte) (mqtt.Token, uint16) {
	mid := c.nextMID()
	token := c.inner.Publish(topic, 0, false, payload)
	go func() {
		token.Wait()
		c.firePublish(mid, token.Error())
	}()
	return token, mid
}

func (c *Client) nextMID() uint16 { return uint16(c.midSeq.Add(1)) }

// --- hook installation (single-slot, single-writer by convention) ---

func (c *Client) SetOnConnect(h ConnectHook) ConnectHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onConnect
	c.onConnect = h
	return prev
}

func (c *Client) SetOnDisconnect(h DisconnectHook) DisconnectHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onDisconnect
	c.onDisconnect = h
	return prev
}

func (c *Client) SetOnSubscribe(h SubscribeHook) SubscribeHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onSubscribe
	c.onSubscribe = h
	return prev
}

func (c *Client) SetOnUnsubscribe(h UnsubscribeHook) UnsubscribeHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onUnsubscribe
	c.onUnsubscribe = h
	return prev
}

func (c *Client) SetOnPublish(h PublishHook) PublishHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onPublish
	c.onPublish = h
	return prev
}

func (c *Client) SetOnMessage(h MessageHook) MessageHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onMessage
	c.onMessage = h
	return prev
}

func (c *Client) fireConnect(success bool, err error) {
	c.mu.Lock()
	h := c.onConnect
	c.mu.Unlock()
	if h == nil {
		return
	}
	if !success {
		c.logger.Warn("connect failed", slog.String("controller_id", c.ControllerID().String()), slog.Any("error", err))
	}
	h(success, err)
}

func (c *Client) fireDisconnect(err error) {
	c.mu.Lock()
	h := c.onDisconnect
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("connection lost", slog.String("controller_id", c.ControllerID().String()), slog.Any("error", err))
	}
	if h != nil {
		h(err)
	}
}

func (c *Client) fireSubscribe(mid uint16, err error) {
	c.mu.Lock()
	h := c.onSubscribe
	c.mu.Unlock()
	if h != nil {
		h(mid, err)
	}
}

func (c *Client) fireUnsubscribe(mid uint16, err error) {
	c.mu.Lock()
	h := c.onUnsubscribe
	c.mu.Unlock()
	if h != nil {
		h(mid, err)
	}
}

func (c *Client) firePublish(mid uint16, err error) {
	c.mu.Lock()
	h := c.onPublish
	c.mu.Unlock()
	if h != nil {
		h(mid, err)
	}
}

func (c *Client) fireMessage(topic string, payload []byte) {
	c.mu.Lock()
	h := c.onMessage
	c.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}
