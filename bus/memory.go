package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus in process.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	rr     map[string]uint64 // queue key -> round-robin cursor
	closed atomic.Bool

	replySeq atomic.Uint64
	dropped  atomic.Uint64
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config: cfg,
		rr:     make(map[string]uint64),
	}
}

// Publish delivers to every plain subscriber and to one member of each
// matching queue group. Slow subscribers drop messages.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.publish(&Message{Subject: subject, Data: data})
}

func (b *MemoryBus) publish(msg *Message) error {
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	groups := make(map[string][]*memorySub)
	var order []string
	for _, sub := range b.subs {
		if sub.closed.Load() || !MatchSubject(sub.pattern, msg.Subject) {
			continue
		}
		if sub.queue == "" {
			b.offer(sub, msg)
			continue
		}
		key := sub.pattern + "\x00" + sub.queue
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], sub)
	}
	for _, key := range order {
		members := groups[key]
		start := b.rr[key]
		b.rr[key] = start + 1
		delivered := false
		for i := range members {
			sub := members[(int(start)+i)%len(members)]
			select {
			case sub.ch <- msg:
				delivered = true
			default:
				continue
			}
			break
		}
		if !delivered {
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBus) offer(sub *memorySub, msg *Message) {
	select {
	case sub.ch <- msg:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were dropped on full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *MemoryBus) subscribe(pattern, queue string) (*memorySub, error) {
	if err := ValidateSubject(pattern); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySub{
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Subscribe creates a subscription.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

// Request publishes with a private reply subject and waits for the answer.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	reply := "_INBOX." + strconv.FormatUint(b.replySeq.Add(1), 10)
	sub, err := b.subscribe(reply, "")
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publish(&Message{Subject: subject, Data: data, Reply: reply}); err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-sub.ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
