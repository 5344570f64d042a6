// Package heartbeat defines the heartbeat wire format and the agent side
// that emits it.
//
// # Wire format
//
//	{"ip_address": "10.0.0.5", "name": "api-1",
//	 "metrics": {"cpu": 12.5, "memory": 40, "disk": 71, "system_info": {...}}}
//
// Only ip_address is required. Decode tolerates bodies that were JSON
// encoded twice and drops malformed metric members instead of failing.
//
// # Sending
//
// A Sender collects a Payload on every tick and hands it to a Transport:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Transport: heartbeat.NewHTTPTransport("http://fleetwatch:8000/heartbeat/", 10*time.Second),
//	    Collect:   heartbeat.LocalCollector("", ""),
//	    Interval:  30 * time.Second,
//	})
//	sender.Start(ctx)
//
// BusTransport publishes the same payload on fleet.heartbeat instead, where
// the ingestion gateway's bus listener picks it up.
//
// # Recommendations
//
//   - Keep the interval well under the liveness threshold (default 120s)
//   - Failed sends are retried on the next tick only
package heartbeat
