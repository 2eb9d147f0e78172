// Package feed implements Canaria's long-lived upstream connectors: one
// goroutine per feed, each a Connecting→Connected→Disconnected state
// machine with capped exponential backoff reconnects, a keepalive ping
// loop, and an inactivity watchdog.
//
// Grounded on the teacher's internal/registry.RunRegisterLoop (the
// backoff-doubling-capped-at-60s shape is lifted directly from there)
// and on gorilla/websocket as used by C360Studio-semstreams for the
// client side of a long-lived socket.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MercuriusDream/Canaria/internal/model"
)

const (
	baseBackoff    = 2 * time.Second
	maxBackoff     = 60 * time.Second
	pingInterval   = 30 * time.Second
	watchdogWindow = 120 * time.Second
)

// Normalizer converts one upstream's wire format into canonical Events.
// Normalize also classifies protocol-level heartbeat frames, which are
// answered with a pong and never forwarded as events.
type Normalizer interface {
	Normalize(raw []byte) (events []model.Event, isHeartbeat bool, err error)
	Backfill(ctx context.Context) ([]model.Event, error)
}

// Connector is one upstream feed's state machine. Callers interact with
// it only through Run, ForceReconnect, and State; state and backoff are
// guarded by mu, the live connection by reconnectMu.
type Connector struct {
	Name       string
	URL        string
	Normalizer Normalizer

	OnEvents      func(feed string, events []model.Event)
	OnStateChange func(state model.FeedState)

	mu      sync.Mutex
	state   model.FeedState
	backoff time.Duration

	reconnectMu sync.Mutex
	conn        *websocket.Conn
}

// New builds a Connector in the initial Connecting state.
func New(name, url string, normalizer Normalizer, onEvents func(string, []model.Event), onStateChange func(model.FeedState)) *Connector {
	return &Connector{
		Name:          name,
		URL:           url,
		Normalizer:    normalizer,
		OnEvents:      onEvents,
		OnStateChange: onStateChange,
		state:         model.FeedState{Feed: name, Status: model.StatusConnecting},
		backoff:       baseBackoff,
	}
}

// State returns a snapshot of the connector's current liveness.
func (c *Connector) State() model.FeedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the connect/backoff loop until ctx is canceled. It first
// performs the bounded historical backfill, then connects and
// reconnects indefinitely.
func (c *Connector) Run(ctx context.Context) {
	if events, err := c.Normalizer.Backfill(ctx); err != nil {
		slog.Warn("feed: backfill failed", "feed", c.Name, "error", err)
	} else if len(events) > 0 && c.OnEvents != nil {
		c.OnEvents(c.Name, events)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("feed: connection ended", "feed", c.Name, "error", err, "backoffMs", c.currentBackoff().Milliseconds())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.currentBackoff()):
		}
		c.advanceBackoff()
	}
}

func (c *Connector) currentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

func (c *Connector) advanceBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}

// runOnce owns one physical connection's lifetime: dial, mark
// Connected, pump messages until error/close/inactivity, then mark
// Disconnected and return. A nil error paired with ctx.Err() != nil
// means a clean shutdown, not a failure to be retried.
func (c *Connector) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.reconnectMu.Lock()
	c.conn = conn
	c.reconnectMu.Unlock()
	defer func() {
		c.reconnectMu.Lock()
		c.conn = nil
		c.reconnectMu.Unlock()
		_ = conn.Close()
	}()

	now := time.Now().UTC()
	c.mu.Lock()
	wasReconnect := !c.state.DisconnectedAt.IsZero()
	c.state.Status = model.StatusConnected
	c.state.ConnectedAt = now
	c.backoff = baseBackoff
	if wasReconnect {
		c.state.ReconnectCount++
	}
	c.emitLocked()
	c.mu.Unlock()

	msgCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	watchdog := time.NewTimer(watchdogWindow)
	defer watchdog.Stop()
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	var loopErr error
loop:
	for {
		select {
		case <-ctx.Done():
			c.disconnect(nil)
			return nil
		case <-pinger.C:
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		case <-watchdog.C:
			loopErr = fmt.Errorf("inactivity watchdog elapsed after %s", watchdogWindow)
			break loop
		case err := <-errCh:
			loopErr = err
			break loop
		case data := <-msgCh:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(watchdogWindow)
			c.handleMessage(conn, data)
		}
	}

	c.disconnect(loopErr)
	return loopErr
}

func (c *Connector) handleMessage(conn *websocket.Conn, data []byte) {
	events, isHeartbeat, err := c.Normalizer.Normalize(data)

	c.mu.Lock()
	now := time.Now().UTC()
	c.state.LastMessageAt = now
	if err != nil {
		c.state.LastError = err.Error()
	} else {
		c.state.LastError = ""
	}
	if isHeartbeat {
		c.state.LastHeartbeatAt = now
	}
	c.emitLocked()
	c.mu.Unlock()

	if err != nil {
		slog.Warn("feed: normalize failed", "feed", c.Name, "error", err)
		return
	}
	if isHeartbeat {
		_ = conn.WriteMessage(websocket.PongMessage, nil)
		return
	}
	if len(events) > 0 && c.OnEvents != nil {
		c.OnEvents(c.Name, events)
	}
}

func (c *Connector) disconnect(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if !c.state.ConnectedAt.IsZero() {
		c.state.TotalUptimeMs += now.Sub(c.state.ConnectedAt).Milliseconds()
	}
	c.state.DisconnectedAt = now
	c.state.Status = model.StatusDisconnected
	if cause != nil {
		c.state.LastError = cause.Error()
	}
	c.emitLocked()
}

// emitLocked must be called with mu held.
func (c *Connector) emitLocked() {
	if c.OnStateChange != nil {
		c.OnStateChange(c.state)
	}
}

// ForceReconnect closes the live connection (if any), which causes the
// read pump to error out and runOnce's backoff path to re-dial. Backoff
// is reset first so the forced reconnect is prompt, not delayed by
// whatever failure backoff had accumulated. This is the admin
// `reconnect_feed` action's effect.
func (c *Connector) ForceReconnect() {
	c.mu.Lock()
	c.backoff = baseBackoff
	c.mu.Unlock()

	c.reconnectMu.Lock()
	conn := c.conn
	c.reconnectMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
