package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrListenerStopped is returned for commands issued before Start or after
// Stop.
var ErrListenerStopped = errors.New("notify listener not running")

// listenerCmd carries a LISTEN/UNLISTEN statement into the receive loop,
// which is the only goroutine allowed to touch the pgx connection.
type listenerCmd struct {
	sql    string
	result chan error
}

// NotifyListener holds a dedicated Postgres connection in LISTEN mode and
// forwards notifications to the ConnectionManager. It reconnects with
// backoff and re-establishes its LISTENs after a connection loss.
type NotifyListener struct {
	connString string
	manager    *ConnectionManager
	logger     *slog.Logger

	mu       sync.Mutex
	conn     *pgx.Conn
	channels map[string]bool
	running  bool

	cmds   chan listenerCmd
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifyListener builds a listener; Start must be called before use.
func NewNotifyListener(connString string, manager *ConnectionManager, logger *slog.Logger) *NotifyListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyListener{
		connString: connString,
		manager:    manager,
		logger:     logger.With("component", "notify_listener"),
		channels:   make(map[string]bool),
		cmds:       make(chan listenerCmd, 16),
	}
}

// Start opens the dedicated connection and launches the receive loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connecting for LISTEN: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.conn = conn
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		l.receiveLoop(loopCtx)
	}()
	l.logger.Info("notify listener started")
	return nil
}

// Listen subscribes the dedicated connection to a channel.
func (l *NotifyListener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	already := l.channels[channel]
	running := l.running
	l.mu.Unlock()
	if already {
		return nil
	}
	if !running {
		return ErrListenerStopped
	}

	if err := l.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	l.mu.Lock()
	l.channels[channel] = true
	l.mu.Unlock()
	return nil
}

// Unlisten unsubscribes the dedicated connection from a channel.
func (l *NotifyListener) Unlisten(ctx context.Context, channel string) error {
	l.mu.Lock()
	listening := l.channels[channel]
	running := l.running
	l.mu.Unlock()
	if !listening || !running {
		return nil
	}

	if err := l.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("UNLISTEN %s: %w", channel, err)
	}
	l.mu.Lock()
	delete(l.channels, channel)
	l.mu.Unlock()
	return nil
}

// exec routes a statement through the receive loop to avoid racing
// WaitForNotification on the shared connection.
func (l *NotifyListener) exec(ctx context.Context, sql string) error {
	cmd := listenerCmd{sql: sql, result: make(chan error, 1)}
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.drainCmds(ctx)

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		// short wait so queued LISTEN/UNLISTEN commands get a turn
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			l.logger.Error("notification receive failed", "error", err)
			l.dropConn(ctx)
			continue
		}

		l.manager.Broadcast(notification.Channel, []byte(notification.Payload))
	}
}

func (l *NotifyListener) drainCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmds:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn == nil {
				cmd.result <- ErrListenerStopped
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

func (l *NotifyListener) dropConn(ctx context.Context) {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	l.mu.Unlock()
}

// reconnect re-establishes the connection with exponential backoff and
// re-issues every active LISTEN.
func (l *NotifyListener) reconnect(ctx context.Context) {
	wait := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			l.logger.Error("listener reconnect failed", "error", err, "backoff", wait)
			wait = min(wait*2, 30*time.Second)
			continue
		}

		l.mu.Lock()
		l.conn = conn
		channels := make([]string, 0, len(l.channels))
		for ch := range l.channels {
			channels = append(channels, ch)
		}
		l.mu.Unlock()

		for _, ch := range channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				l.logger.Error("re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.logger.Info("notify listener reconnected", "channels", len(channels))
		return
	}
}

// Stop shuts down the receive loop and closes the connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.mu.Lock()
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	l.dropConn(ctx)
}
