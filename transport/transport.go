// Package transport pushes fleet events to connected clients.
//
// A Stream carries events.Event values to one client over WebSocket or
// Server-Sent Events. Streams are write-mostly: clients subscribe and listen.
package transport

import (
	"context"
	"errors"

	"github.com/vinayprograms/fleetwatch/events"
)

// Common errors.
var (
	ErrClosed       = errors.New("transport closed")
	ErrNotSupported = errors.New("streaming not supported by response writer")
)

// Stream delivers events to one client.
type Stream interface {
	// Send queues an event for delivery.
	// Returns ErrClosed if the stream is closed.
	Send(e events.Event) error

	// Run serves the client, blocking until ctx is cancelled or the client
	// goes away.
	Run(ctx context.Context) error

	// Close initiates shutdown. Pending sends are drained.
	Close() error
}

// Config holds common stream configuration.
type Config struct {
	// SendBufferSize for queued outbound events. Default: 64
	SendBufferSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SendBufferSize: 64,
	}
}

// Forward copies events from src into s until src closes, ctx ends or the
// stream refuses an event.
func Forward(ctx context.Context, src <-chan events.Event, s Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-src:
			if !ok {
				s.Close()
				return
			}
			if err := s.Send(e); err != nil {
				return
			}
		}
	}
}
