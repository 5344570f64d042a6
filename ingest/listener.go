package ingest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/fleetwatch/bus"
	"github.com/vinayprograms/fleetwatch/logging"
)

// Listener errors.
var (
	ErrListenerStarted    = stderrors.New("listener already started")
	ErrListenerNotStarted = stderrors.New("listener not started")
)

// ListenerConfig configures a BusListener.
type ListenerConfig struct {
	// Subject carrying heartbeats.
	// Default: bus.SubjectHeartbeat
	Subject string

	// Queue group shared by every gateway instance, so each heartbeat is
	// applied once.
	// Default: bus.QueueIngest
	Queue string

	Logger *logging.Logger
}

// BusListener feeds heartbeats from the message bus into a Gateway.
type BusListener struct {
	gw      *Gateway
	bus     bus.MessageBus
	subject string
	queue   string
	log     *logging.Logger

	running atomic.Bool
	mu      sync.Mutex
	sub     bus.Subscription
	doneCh  chan struct{}
	handled atomic.Int64
}

// NewBusListener creates a listener. Call Start to begin consuming.
func NewBusListener(gw *Gateway, b bus.MessageBus, cfg ListenerConfig) *BusListener {
	if cfg.Subject == "" {
		cfg.Subject = bus.SubjectHeartbeat
	}
	if cfg.Queue == "" {
		cfg.Queue = bus.QueueIngest
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("ingest-bus")
	}
	return &BusListener{
		gw:      gw,
		bus:     b,
		subject: cfg.Subject,
		queue:   cfg.Queue,
		log:     cfg.Logger,
	}
}

// Start subscribes and processes messages until ctx ends or Stop is called.
func (l *BusListener) Start(ctx context.Context) error {
	if l.running.Swap(true) {
		return ErrListenerStarted
	}
	sub, err := l.bus.QueueSubscribe(l.subject, l.queue)
	if err != nil {
		l.running.Store(false)
		return err
	}

	l.mu.Lock()
	l.sub = sub
	l.doneCh = make(chan struct{})
	done := l.doneCh
	l.mu.Unlock()

	l.log.Info("bus_listener_started", map[string]interface{}{
		"subject": l.subject,
		"queue":   l.queue,
	})
	go l.run(ctx, sub, done)
	return nil
}

func (l *BusListener) run(ctx context.Context, sub bus.Subscription, done chan struct{}) {
	defer close(done)
	ctx = WithTransport(ctx, TransportBus)
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			l.handle(ctx, msg)
		}
	}
}

func (l *BusListener) handle(ctx context.Context, msg *bus.Message) {
	res, err := l.gw.HandleRaw(ctx, msg.Data)
	l.handled.Add(1)
	if msg.Reply == "" {
		return
	}
	data, merr := json.Marshal(Response(res, err))
	if merr != nil {
		return
	}
	if perr := l.bus.Publish(ctx, msg.Reply, data); perr != nil {
		l.log.Warn("heartbeat_reply_failed", map[string]interface{}{
			"reply": msg.Reply,
			"error": perr,
		})
	}
}

// Handled returns how many messages were processed.
func (l *BusListener) Handled() int64 {
	return l.handled.Load()
}

// Stop unsubscribes and waits for the in-flight message.
func (l *BusListener) Stop() error {
	if !l.running.Swap(false) {
		return ErrListenerNotStarted
	}
	l.mu.Lock()
	sub, done := l.sub, l.doneCh
	l.mu.Unlock()

	err := sub.Unsubscribe()
	<-done
	return err
}
