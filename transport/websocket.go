package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/fleetwatch/events"
)

// WebSocketStream implements Stream over WebSocket.
type WebSocketStream struct {
	conn   *websocket.Conn
	config WebSocketConfig

	send   chan events.Event
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// WebSocketConfig holds WebSocket stream configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketStream creates a stream from an upgraded connection.
func NewWebSocketStream(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketStream {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}

	conn.SetReadLimit(cfg.MaxMessageSize)

	return &WebSocketStream{
		conn:   conn,
		config: cfg,
		send:   make(chan events.Event, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
// checkOrigin may be nil to accept any origin.
func NewWebSocketUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// Send queues an event for delivery.
func (t *WebSocketStream) Send(e events.Event) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- e:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run serves the connection until ctx ends or the client disconnects.
func (t *WebSocketStream) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		t.readLoop()
	}()

	go func() {
		defer wg.Done()
		t.writeLoop(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-t.done:
	}

	t.Close()
	wg.Wait()
	return err
}

// Close initiates graceful shutdown.
func (t *WebSocketStream) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return t.conn.Close()
}

// readLoop discards client frames; it exists to process control frames and
// to notice the client going away.
func (t *WebSocketStream) readLoop() {
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			t.Close()
			return
		}
	}
}

func (t *WebSocketStream) writeLoop(ctx context.Context) {
	ticker := t.createPingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drainSendQueue()
			return
		case <-t.done:
			t.drainSendQueue()
			return
		case <-ticker.C:
			t.writePing()
		case e := <-t.send:
			t.writeEvent(e)
		}
	}
}

// createPingTicker creates a ticker for keepalive pings.
func (t *WebSocketStream) createPingTicker() *time.Ticker {
	if t.config.PingInterval > 0 {
		return time.NewTicker(t.config.PingInterval)
	}
	// Return a ticker that never fires
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

func (t *WebSocketStream) writePing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (t *WebSocketStream) drainSendQueue() {
	for {
		select {
		case e := <-t.send:
			t.writeEvent(e)
		default:
			return
		}
	}
}

func (t *WebSocketStream) writeEvent(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}

	t.conn.WriteMessage(websocket.TextMessage, data)
}
