package comfyui

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 8 << 20 // preview frames can be large
	reconnectInterval = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
	maxBackoffShift   = 5
)

// Handler consumes decoded worker events. Events from one connection are
// delivered sequentially in arrival order.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// Listener keeps a callback connection to the worker open, reconnecting
// with exponential backoff until its context is cancelled.
type Listener struct {
	wsURL   string
	handler Handler
	dialer  *websocket.Dialer

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	reconnectAttempts int
}

// NewListener creates a listener for wsURL (e.g. ws://host:8188/ws).
// clientID must match the one used for submissions.
func NewListener(wsURL, clientID string, handler Handler) (*Listener, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse worker ws url: %w", err)
	}
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	return &Listener{
		wsURL:   u.String(),
		handler: handler,
		dialer:  websocket.DefaultDialer,
	}, nil
}

// Connected reports whether a connection is currently open.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Run connects and serves events until ctx is cancelled. Connection loss
// is never fatal; Run only returns ctx's error.
func (l *Listener) Run(ctx context.Context) error {
	for {
		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !l.wait(ctx, err) {
				return ctx.Err()
			}
			continue
		}

		l.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("[comfyui] disconnected from worker")
		if !l.wait(ctx, nil) {
			return ctx.Err()
		}
	}
}

func (l *Listener) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := l.dialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.reconnectAttempts = 0
	l.mu.Unlock()

	log.WithField("url", l.wsURL).Info("[comfyui] connected to worker")
	return conn, nil
}

// serve runs the read and ping pumps until either fails or ctx ends.
func (l *Listener) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)

	var once sync.Once
	onDisconnect := func() {
		once.Do(func() {
			cancel()
			conn.Close()

			l.mu.Lock()
			if l.conn == conn {
				l.conn = nil
				l.connected = false
			}
			l.mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.pingPump(connCtx, conn, onDisconnect)
	}()
	// Events are handled under the listener's context so a dropped
	// connection does not abort settlement already in progress.
	l.readPump(ctx, conn, onDisconnect)
	<-done
}

func (l *Listener) readPump(ctx context.Context, conn *websocket.Conn, onDisconnect func()) {
	defer onDisconnect()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.WithError(err).Warn("[comfyui] read error")
			}
			return
		}
		// The worker keeps the socket busy; any frame proves liveness.
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue // binary preview images
		}
		l.handleMessage(ctx, message)
	}
}

func (l *Listener) pingPump(ctx context.Context, conn *websocket.Conn, onDisconnect func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		onDisconnect()
	}()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// wait sleeps for the next backoff delay. Returns false if ctx ended first.
func (l *Listener) wait(ctx context.Context, cause error) bool {
	l.mu.Lock()
	l.reconnectAttempts++
	attempts := l.reconnectAttempts
	l.mu.Unlock()

	delay := reconnectInterval * time.Duration(1<<uint(min(attempts-1, maxBackoffShift)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}

	entry := log.WithFields(log.Fields{"attempt": attempts, "delay": delay})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("[comfyui] reconnecting to worker")

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Listener) handleMessage(ctx context.Context, data []byte) {
	ev, err := ParseEvent(data)
	switch {
	case errors.Is(err, ErrIgnored):
		return
	case err != nil:
		log.WithError(err).Warn("[comfyui] dropping worker frame")
		return
	}
	l.handler.HandleEvent(ctx, ev)
}
