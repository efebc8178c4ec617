// Package channel maintains the real-time duplex connection to the whisp
// backend and bridges it onto the internal event bus.
package channel

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/bus"
)

// Bus event kinds published by the channel.
const (
	EventConnected        = "rt.connected"
	EventDisconnected     = "rt.disconnected"
	EventMessage          = "rt.message"
	EventStatus           = "rt.status"
	EventPresence         = "rt.presence"
	EventPresenceSnapshot = "rt.presence_snapshot"
)

// ErrNotConnected is returned by Emit while the channel is down.
var ErrNotConnected = errors.New("channel: not connected")

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	stableAfter        = time.Minute
)

// Client owns the websocket connection. It reconnects forever with
// exponential backoff and publishes connection state and inbound events on
// the bus; it never interprets them itself.
type Client struct {
	url   string
	token string
	bus   *bus.Bus
	log   *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	attempt     int
	connectedAt time.Time
}

// NewClient creates a channel client. Nothing connects until Start.
func NewClient(url, token string, b *bus.Bus, log *zap.Logger) *Client {
	return &Client{
		url:   url,
		token: token,
		bus:   b,
		log:   log.Named("channel"),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the connect/read/reconnect loop until Close.
func (c *Client) Start() {
	go c.run()
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	<-c.done
}

// Emit sends one event to the server. Fails fast when disconnected: callers
// relying on delivery replay their state on the next rt.connected instead of
// queueing writes here.
func (c *Client) Emit(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: event, Data: data}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return err
	}
	return nil
}

func (c *Client) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			delay := c.nextDelay()
			c.log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-c.stop:
				return
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.connectedAt = time.Now()
		c.mu.Unlock()

		c.log.Info("connected", zap.String("url", c.url))
		c.bus.Publish(EventConnected, nil)

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		c.bus.Publish(EventDisconnected, nil)

		select {
		case <-c.stop:
			return
		default:
			c.log.Info("disconnected, reconnecting")
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(&env)
	}
}

// nextDelay backs off exponentially with jitter. A connection that stayed up
// for a minute resets the attempt counter, so a long-stable link that blips
// retries quickly.
func (c *Client) nextDelay() time.Duration {
	if !c.connectedAt.IsZero() && time.Since(c.connectedAt) > stableAfter {
		c.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(reconnectBaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(reconnectBaseDelay)*math.Pow(2, float64(c.attempt))+float64(jitter),
		float64(reconnectMaxDelay),
	))
	c.attempt++
	return delay
}
