package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	presenceTopic = "home/backend/status"

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// Message is re-exported type for handlers
type Message = mqtt.Message

// Handler is handler signature
type Handler = mqtt.MessageHandler

// ClientAPI is the minimal surface area the rest of the process needs.
// It enables unit testing dispatch and reconcilers without a live broker.
type ClientAPI interface {
	Route(filter string, cb Handler)
	Publish(topic string, payload []byte) error
	PublishRetained(topic string, payload []byte) error
}

type Client struct {
	cli      mqtt.Client
	clientID string

	mu     sync.RWMutex
	routes map[string]Handler

	closed chan struct{}
}

func New(brokerURL string) *Client {
	u, err := url.Parse(brokerURL)
	if err != nil {
		panic(err)
	}
	c := &Client{
		clientID: "home-control-" + time.Now().Format("150405.000"),
		routes:   map[string]Handler{},
		closed:   make(chan struct{}),
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	if u.Scheme == "mqtt" || u.Scheme == "tcp" {
		server = "tcp://" + server
	} else if u.Scheme == "ssl" || u.Scheme == "tls" {
		server = "ssl://" + server
	} else if u.Scheme == "ws" || u.Scheme == "wss" {
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)
	opts.SetClientID(c.clientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	// Reconnection is owned by this package, not by paho.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetBinaryWill(presenceTopic, []byte(`{"online":false}`), 1, true)
	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Error("mqtt connection lost", "error", err)
		go c.reconnectLoop()
	}
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten
	}
	c.cli = mqtt.NewClient(opts)
	return c
}

// Route registers a subscription filter. Registered filters survive
// reconnects: every successful connect re-subscribes all of them.
func (c *Client) Route(filter string, cb Handler) {
	c.mu.Lock()
	c.routes[filter] = cb
	alreadyUp := c.cli.IsConnected()
	c.mu.Unlock()
	if alreadyUp {
		c.subscribe(filter, cb)
	}
}

// Connect blocks until the first successful connect or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	backoff := reconnectMin
	for {
		t := c.cli.Connect()
		t.Wait()
		if t.Error() == nil {
			return nil
		}
		slog.Error("mqtt connect failed", "error", t.Error(), "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return errors.New("mqtt client closed")
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Client) Close() {
	close(c.closed)
	_ = c.PublishRetained(presenceTopic, []byte(`{"online":false}`))
	c.cli.Disconnect(250)
}

func (c *Client) onConnect(_ mqtt.Client) {
	slog.Info("mqtt connected", "client_id", c.clientID)
	c.mu.RLock()
	routes := make(map[string]Handler, len(c.routes))
	for f, h := range c.routes {
		routes[f] = h
	}
	c.mu.RUnlock()
	for f, h := range routes {
		c.subscribe(f, h)
	}
	if err := c.PublishRetained(presenceTopic, []byte(`{"online":true}`)); err != nil {
		slog.Error("mqtt presence announce failed", "error", err)
	}
}

func (c *Client) reconnectLoop() {
	backoff := reconnectMin
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(jitter(backoff)):
		}
		if c.cli.IsConnected() {
			return
		}
		t := c.cli.Connect()
		t.Wait()
		if t.Error() == nil {
			return
		}
		slog.Error("mqtt reconnect failed", "error", t.Error(), "next_in", backoff)
		backoff = nextBackoff(backoff)
	}
}

func (c *Client) subscribe(filter string, cb Handler) {
	t := c.cli.Subscribe(filter, 0, cb)
	if t.Wait() && t.Error() != nil {
		slog.Error("mqtt subscribe failed", "filter", filter, "error", t.Error())
		return
	}
	slog.Info("mqtt subscribed", "filter", filter)
}

// Publish is best-effort: a failure is returned for callers that record it
// (e.g. marking a deployment FAILED) but must never take the process down.
func (c *Client) Publish(topic string, payload []byte) error {
	return c.publish(topic, payload, false)
}

func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.publish(topic, payload, true)
}

func (c *Client) publish(topic string, payload []byte, retain bool) error {
	t := c.cli.Publish(topic, 0, retain, payload)
	if t.Wait() && t.Error() != nil {
		slog.Warn("mqtt publish failed", "topic", topic, "error", t.Error())
		return t.Error()
	}
	return nil
}

// SelfTest round-trips a nonce through the broker on a private diagnostics
// topic. Used by readiness checks to verify the broker path end to end.
func (c *Client) SelfTest(ctx context.Context, timeout time.Duration) error {
	nonce := uuid.NewString()
	topic := "diagnostics/selftest/" + c.clientID
	echo := make(chan string, 1)
	t := c.cli.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case echo <- string(m.Payload()):
		default:
		}
	})
	if t.Wait() && t.Error() != nil {
		return fmt.Errorf("selftest subscribe: %w", t.Error())
	}
	defer func() {
		ut := c.cli.Unsubscribe(topic)
		ut.Wait()
	}()
	if err := c.publish(topic, []byte(nonce), false); err != nil {
		return fmt.Errorf("selftest publish: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return errors.New("selftest echo timeout")
	case got := <-echo:
		if got != nonce {
			return fmt.Errorf("selftest nonce mismatch: %q", got)
		}
		return nil
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}

// jitter spreads reconnect attempts by +-20% so a restarting broker is not
// hammered in lockstep by every client.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
