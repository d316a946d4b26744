package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps how many stored events a subscriber gets replayed. Past
// the cap the client is told to reload via REST instead.
const catchupLimit = 200

// listenTimeout bounds how long establishing a Postgres LISTEN may block a
// client's subscribe.
const listenTimeout = 10 * time.Second

// CatchupQuerier replays persisted events to late subscribers. Implemented
// by PostgresPublisher.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// ClientMessage is the inbound WebSocket protocol: subscribe, unsubscribe,
// catchup, ping.
type ClientMessage struct {
	Action      string `json:"action"`
	Channel     string `json:"channel,omitempty"`
	LastEventID *int64 `json:"last_event_id,omitempty"`
}

// ConnectionManager tracks WebSocket clients and their channel
// subscriptions, and fans broadcast events out to them. One instance per
// process.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*wsConn
	subscribers map[string]map[string]bool // channel -> conn IDs

	catchup      CatchupQuerier
	writeTimeout time.Duration
	logger       *slog.Logger

	listenerMu sync.RWMutex
	listener   *NotifyListener
}

type wsConn struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// subscriptions is only touched from the connection's read goroutine.
	subscriptions map[string]bool
}

// NewConnectionManager builds a manager. catchup may be nil when events are
// not persisted.
func NewConnectionManager(catchup CatchupQuerier, writeTimeout time.Duration, logger *slog.Logger) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		connections:  make(map[string]*wsConn),
		subscribers:  make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "ws"),
	}
}

// SetListener wires the NotifyListener after construction; without one the
// manager only sees events broadcast in-process.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs a client's read loop until the socket closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:            uuid.NewString(),
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]bool),
	}

	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
	defer m.dropConnection(c)

	m.sendJSON(c, map[string]string{"type": "connection.established", "connection_id": c.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("invalid websocket message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleMessage(ctx, c, &msg)
	}
}

func (m *ConnectionManager) handleMessage(ctx context.Context, c *wsConn, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "subscription failed",
			})
			return
		}
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": msg.Channel})
		m.replayCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel != "" {
			m.unsubscribe(c, msg.Channel)
		}

	case "catchup":
		if msg.Channel != "" && msg.LastEventID != nil {
			m.replayCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers the connection and, for the first subscriber of a
// channel, synchronously establishes the Postgres LISTEN so catchup runs
// with delivery already active.
func (m *ConnectionManager) subscribe(c *wsConn, channel string) error {
	m.mu.Lock()
	first := false
	if _, ok := m.subscribers[channel]; !ok {
		m.subscribers[channel] = make(map[string]bool)
		first = true
	}
	m.subscribers[channel][c.id] = true
	m.mu.Unlock()

	if first {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			ctx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Listen(ctx, channel); err != nil {
				m.logger.Error("channel LISTEN failed", "channel", channel, "error", err)
				m.mu.Lock()
				delete(m.subscribers, channel)
				m.mu.Unlock()
				return err
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// unsubscribe removes the connection from the channel and drops the
// Postgres LISTEN when the last subscriber leaves.
func (m *ConnectionManager) unsubscribe(c *wsConn, channel string) {
	m.mu.Lock()
	last := false
	if subs, ok := m.subscribers[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.subscribers, channel)
			last = true
		}
	}
	m.mu.Unlock()
	delete(c.subscriptions, channel)

	if !last {
		return
	}
	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l == nil {
		return
	}
	go func() {
		// re-check: a rapid resubscribe must keep the LISTEN alive
		m.mu.RLock()
		_, resubscribed := m.subscribers[channel]
		m.mu.RUnlock()
		if resubscribed {
			return
		}
		if err := l.Unlisten(context.Background(), channel); err != nil {
			m.logger.Error("channel UNLISTEN failed", "channel", channel, "error", err)
		}
	}()
}

// replayCatchup sends stored events newer than sinceID to the client.
func (m *ConnectionManager) replayCatchup(ctx context.Context, c *wsConn, channel string, sinceID int64) {
	if m.catchup == nil {
		return
	}
	stored, err := m.catchup.GetCatchupEvents(ctx, channel, sinceID, catchupLimit+1)
	if err != nil {
		m.logger.Error("catchup query failed", "channel", channel, "error", err)
		return
	}
	overflow := len(stored) > catchupLimit
	if overflow {
		stored = stored[:catchupLimit]
	}

	for _, ev := range stored {
		// stored payloads lack db_event_id; add it so the client can track
		// its catchup position
		ev.Payload["db_event_id"] = ev.ID
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, data); err != nil {
			m.logger.Warn("catchup delivery failed", "connection_id", c.id, "error", err)
			return
		}
	}
	if overflow {
		m.sendJSON(c, map[string]any{"type": "catchup.overflow", "channel": channel, "has_more": true})
	}
}

// Broadcast delivers raw event bytes to every subscriber of the channel.
// Called by the NotifyListener and by in-process publishers.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.mu.RLock()
	conns := make([]*wsConn, 0, len(m.subscribers[channel]))
	for id := range m.subscribers[channel] {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, event); err != nil {
			m.logger.Warn("broadcast delivery failed", "connection_id", c.id, "error", err)
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) subscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[channel])
}

func (m *ConnectionManager) dropConnection(c *wsConn) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("encoding websocket message failed", "connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.logger.Warn("websocket send failed", "connection_id", c.id, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *wsConn, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
