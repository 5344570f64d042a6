// Package transport pushes fleet events to connected clients.
//
// # Available Streams
//
//   - WebSocketStream: events as JSON text frames (dashboards)
//   - SSEStream: events as Server-Sent Events (curl, browsers, fleetctl)
//
// # Usage
//
// Streams pair with an events.Broker subscription:
//
//	src, cancel := broker.Subscribe(64)
//	defer cancel()
//
//	stream, err := transport.NewSSEStream(w, transport.DefaultSSEConfig())
//	if err != nil {
//	    return err
//	}
//	go transport.Forward(r.Context(), src, stream)
//	stream.Run(r.Context())
//
// # Thread Safety
//
// Send and Close are safe for concurrent use. Run must be called once.
package transport
