package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camdash/camdash/internal/metrics"
)

const (
	defaultWriteTimeout = 5 * time.Second
	dialTimeout         = 5 * time.Second
)

// ErrNotConnected is returned by Send when the channel has no open
// connection.
var ErrNotConnected = errors.New("signaling: channel not connected")

// Channel is the single duplex connection to the signaling server, shared by
// every camera session in a grid view. It delivers all inbound traffic to the
// Registry and exposes outbound send capability to sessions.
//
// A channel that closes stays closed; the grid reconnects by creating a fresh
// connection on remount, not by retrying here.
type Channel struct {
	log          *slog.Logger
	registry     *Registry
	metrics      *metrics.Metrics
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	open bool
}

func NewChannel(registry *Registry, logger *slog.Logger, m *metrics.Metrics, writeTimeout time.Duration) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Channel{
		log:          logger,
		registry:     registry,
		metrics:      m,
		writeTimeout: writeTimeout,
	}
}

// Connect dials the signaling server and starts the read loop. On success the
// registry broadcasts a synthetic "ws_ready" to every registered session.
//
// A dial failure leaves the channel in the not-connected state; callers treat
// it as non-fatal (per-camera status stays at "connecting").
func (c *Channel) Connect(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		c.log.Warn("signaling dial failed", "url", url, "err", err)
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("signaling: channel already connected")
	}
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	c.log.Info("signaling channel connected", "url", url)
	c.registry.MarkOpen()

	go c.readLoop(conn)
	return nil
}

// Open reports whether the channel currently has an open connection.
func (c *Channel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send writes one message to the signaling server. Writes are serialized and
// bounded by the write timeout.
func (c *Channel) Send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the connection down and notifies all sessions. Safe to call
// when never connected.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	wasOpen := c.open
	c.conn = nil
	c.open = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if wasOpen {
		// The read loop may already have observed the close and notified; the
		// registry tolerates repeated MarkClosed.
		c.registry.MarkClosed()
	}
	return err
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		sawClose := !c.open && c.conn == nil
		c.conn = nil
		c.open = false
		c.mu.Unlock()

		c.metrics.Inc(metrics.ChannelClosed)
		if !sawClose {
			c.log.Info("signaling channel closed")
			c.registry.MarkClosed()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("signaling channel error", "err", err)
				c.registry.FailAll(err)
			}
			return
		}

		msg, err := Parse(data)
		if err != nil {
			c.log.Warn("discarding malformed signaling message", "err", err)
			continue
		}
		c.registry.Route(msg)
	}
}
