package api

import (
	"net/http"
	"time"

	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/transport"
)

const streamBuffer = 64

func (h *Handler) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		h.writeError(w, r, errors.Unavailable("event stream not configured"))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		return
	}

	cfg := transport.DefaultWebSocketConfig()
	cfg.PingInterval = h.keepalive
	stream := transport.NewWebSocketStream(conn, cfg)

	src, cancel := h.broker.Subscribe(streamBuffer)
	defer cancel()

	ctx := r.Context()
	go transport.Forward(ctx, src, stream)
	stream.Run(ctx)
}

func (h *Handler) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		h.writeError(w, r, errors.Unavailable("event stream not configured"))
		return
	}
	cfg := transport.DefaultSSEConfig()
	cfg.HeartbeatInterval = h.keepalive
	stream, err := transport.NewSSEStream(w, cfg)
	if err != nil {
		h.writeError(w, r, errors.Internal("streaming unsupported", errors.WithCause(err)))
		return
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	src, cancel := h.broker.Subscribe(streamBuffer)
	defer cancel()

	ctx := r.Context()
	go transport.Forward(ctx, src, stream)
	stream.Run(ctx)
}
