package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Subjects used by fleetwatch.
const (
	// SubjectHeartbeat carries heartbeat payloads from node agents.
	SubjectHeartbeat = "fleet.heartbeat"

	// SubjectEventsPrefix prefixes liveness events: fleet.events.<type>.
	SubjectEventsPrefix = "fleet.events"

	// QueueIngest load-balances heartbeats across fleetwatch instances.
	QueueIngest = "fleetwatch"
)

// Message is one message received from the bus.
type Message struct {
	Subject string
	Data    []byte

	// Reply is set when the sender expects an answer.
	Reply string
}

// MessageBus is pub/sub plus request/reply.
type MessageBus interface {
	// Publish sends data to every subscriber of subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers every message on subject. Subjects may use the
	// NATS wildcards "*" (one token) and ">" (one or more trailing tokens).
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe load-balances messages on subject across the members
	// of queue.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request publishes data and waits for one reply until ctx is done.
	Request(ctx context.Context, subject string, data []byte) (*Message, error)

	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan *Message

	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. Default: 256
	BufferSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject rejects empty subjects and empty tokens.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches pattern under NATS wildcard
// rules.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
