package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/fleetwatch/bus"
	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/telemetry"
)

// Transport delivers one heartbeat.
type Transport interface {
	Send(ctx context.Context, p Payload) (*Response, error)
}

// HTTPTransport posts heartbeats as JSON.
type HTTPTransport struct {
	URL    string
	Client *http.Client

	// Header is added to every request (e.g. Authorization).
	Header http.Header
}

// NewHTTPTransport creates a transport with a bounded client timeout.
func NewHTTPTransport(url string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Send posts p and decodes the gateway's answer. Non-2xx answers map onto
// the error taxonomy by status code.
func (t *HTTPTransport) Send(ctx context.Context, p Payload) (*Response, error) {
	data, err := p.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "encode heartbeat")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(data))
	if err != nil {
		return nil, errors.InvalidInput("invalid heartbeat URL "+t.URL, errors.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	telemetry.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "send heartbeat")
		}
		return nil, errors.Unavailable("send heartbeat to "+t.URL, errors.WithCause(err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out Response
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &out, nil
	}
	msg := out.Error
	if msg == "" {
		msg = fmt.Sprintf("heartbeat rejected with HTTP %d", resp.StatusCode)
	}
	return &out, errors.New(codeForStatus(resp.StatusCode), msg)
}

func codeForStatus(status int) errors.ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return errors.ErrCodeNotFound
	case status == http.StatusTooManyRequests:
		return errors.ErrCodeRateLimit
	case status == http.StatusGatewayTimeout:
		return errors.ErrCodeTimeout
	case status >= 400 && status < 500:
		return errors.ErrCodeInvalidInput
	default:
		return errors.ErrCodeUnavailable
	}
}

// BusTransport sends heartbeats over the message bus.
type BusTransport struct {
	Bus     bus.MessageBus
	Subject string

	// FireAndForget publishes without waiting for the gateway's reply.
	FireAndForget bool
}

// Send publishes p, or requests and decodes the reply.
func (t *BusTransport) Send(ctx context.Context, p Payload) (*Response, error) {
	subject := t.Subject
	if subject == "" {
		subject = bus.SubjectHeartbeat
	}
	data, err := p.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "encode heartbeat")
	}
	if t.FireAndForget {
		if err := t.Bus.Publish(ctx, subject, data); err != nil {
			return nil, errors.Unavailable("publish heartbeat", errors.WithCause(err))
		}
		return &Response{Status: StatusSuccess}, nil
	}

	msg, err := t.Bus.Request(ctx, subject, data)
	if err != nil {
		if err == bus.ErrTimeout {
			return nil, errors.Timeout("no reply to heartbeat", errors.WithCause(err))
		}
		return nil, errors.Unavailable("request heartbeat", errors.WithCause(err))
	}
	var out Response
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, errors.Internal("undecodable heartbeat reply", errors.WithCause(err))
	}
	if out.Status == StatusError {
		return &out, errors.InvalidInput(out.Error)
	}
	return &out, nil
}

// MemoryTransport records heartbeats for tests.
type MemoryTransport struct {
	mu   sync.Mutex
	sent []Payload
	err  error
}

// Send records p.
func (t *MemoryTransport) Send(_ context.Context, p Payload) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	t.sent = append(t.sent, p)
	return &Response{Status: StatusSuccess}, nil
}

// FailWith makes subsequent sends fail with err (nil to recover).
func (t *MemoryTransport) FailWith(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// Sent returns all recorded heartbeats.
func (t *MemoryTransport) Sent() []Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]Payload, len(t.sent))
	copy(result, t.sent)
	return result
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Transport delivers heartbeats. Required.
	Transport Transport

	// Collect builds the payload for each beat. Required.
	Collect func() Payload

	// Interval between heartbeats.
	// Default: 30 seconds
	Interval time.Duration

	// Timeout bounds each send.
	// Default: 10 seconds
	Timeout time.Duration

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Transport == nil || c.Collect == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Sender sends periodic heartbeats.
type Sender struct {
	transport Transport
	collect   func() Payload
	interval  time.Duration
	timeout   time.Duration
	log       *logging.Logger

	sent   atomic.Int64
	failed atomic.Int64

	mu   sync.RWMutex
	last *Response

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a new heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("agent")
	}
	return &Sender{
		transport: cfg.Transport,
		collect:   cfg.Collect,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		log:       cfg.Logger,
	}, nil
}

// Start begins sending heartbeats at the configured interval. The first
// heartbeat goes out immediately.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.SendOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SendOnce(ctx)
		}
	}
}

// SendOnce sends a single heartbeat. Failures are logged and counted; the
// next tick simply tries again.
func (s *Sender) SendOnce(ctx context.Context) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p := s.collect()
	resp, err := s.transport.Send(ctx, p)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("heartbeat_failed", map[string]interface{}{
			"ip_address": p.IPAddress,
			"error":      err,
		})
		return resp, err
	}
	s.sent.Add(1)
	s.mu.Lock()
	s.last = resp
	s.mu.Unlock()
	s.log.Debug("heartbeat_sent", map[string]interface{}{
		"ip_address": p.IPAddress,
		"node_id":    resp.NodeID,
	})
	return resp, nil
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Sent returns how many heartbeats were accepted.
func (s *Sender) Sent() int64 {
	return s.sent.Load()
}

// Failed returns how many heartbeats failed.
func (s *Sender) Failed() int64 {
	return s.failed.Load()
}

// LastResponse returns the gateway's last successful answer.
func (s *Sender) LastResponse() *Response {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
