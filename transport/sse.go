package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/fleetwatch/events"
)

// SSEStream implements Stream using Server-Sent Events.
type SSEStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	config  SSEConfig

	send   chan events.Event
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// SSEConfig holds SSE stream configuration.
type SSEConfig struct {
	Config // Embed base config

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration
}

// DefaultSSEConfig returns configuration with sensible defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		Config:            DefaultConfig(),
		HeartbeatInterval: 30 * time.Second,
	}
}

// NewSSEStream creates a stream writing to w. It fails with ErrNotSupported
// when w cannot flush.
func NewSSEStream(w http.ResponseWriter, cfg SSEConfig) (*SSEStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotSupported
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}
	return &SSEStream{
		w:       w,
		flusher: flusher,
		config:  cfg,
		send:    make(chan events.Event, cfg.SendBufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Send queues an event for delivery.
func (t *SSEStream) Send(e events.Event) error {
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

// Run writes events until ctx ends (typically the request context) or the
// stream is closed.
func (t *SSEStream) Run(ctx context.Context) error {
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Flush headers immediately to establish connection
	t.w.WriteHeader(http.StatusOK)
	t.flusher.Flush()

	var heartbeat <-chan time.Time
	if t.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(t.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			t.Close()
			return ctx.Err()
		case <-t.done:
			t.drain()
			return nil
		case <-heartbeat:
			fmt.Fprint(t.w, ": keepalive\n\n")
			t.flusher.Flush()
		case e := <-t.send:
			t.write(e)
		}
	}
}

func (t *SSEStream) drain() {
	for {
		select {
		case e := <-t.send:
			t.write(e)
		default:
			return
		}
	}
}

func (t *SSEStream) write(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", e.Type, data)
	t.flusher.Flush()
}

// Close initiates graceful shutdown.
func (t *SSEStream) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

// --- Client-side SSE support ---

// SSEClient connects to an SSE endpoint and receives events.
type SSEClient struct {
	url    string
	client *http.Client
	recv   chan events.Event
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewSSEClient creates a client for connecting to an SSE endpoint.
func NewSSEClient(url string, bufferSize int) *SSEClient {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &SSEClient{
		url:    url,
		client: http.DefaultClient,
		recv:   make(chan events.Event, bufferSize),
		done:   make(chan struct{}),
	}
}

// Recv returns the channel of received events. It is closed when the
// connection ends.
func (c *SSEClient) Recv() <-chan events.Event {
	return c.recv
}

// Connect establishes the SSE connection and starts receiving.
func (c *SSEClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("event stream %s: HTTP %d", c.url, resp.StatusCode)
	}

	go c.readLoop(ctx, resp.Body)
	return nil
}

// Close closes the SSE client.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// readLoop reads SSE frames and decodes their data as events.
func (c *SSEClient) readLoop(ctx context.Context, body io.ReadCloser) {
	defer body.Close()
	defer close(c.recv)

	scanner := bufio.NewScanner(body)
	var dataBuffer bytes.Buffer

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Text()

		if line == "" {
			// End of event, process accumulated data
			if dataBuffer.Len() > 0 {
				c.processEvent(dataBuffer.Bytes())
				dataBuffer.Reset()
			}
			continue
		}

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			dataBuffer.WriteString(strings.TrimPrefix(data, " "))
		}
	}
}

func (c *SSEClient) processEvent(data []byte) {
	e, err := events.Decode(data)
	if err != nil {
		return
	}
	select {
	case c.recv <- e:
	case <-c.done:
	}
}
