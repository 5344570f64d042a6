package heartbeat

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"math"
	"strconv"
	"strings"

	"github.com/vinayprograms/fleetwatch/errors"
)

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("heartbeat already started")
	ErrNotStarted     = stderrors.New("heartbeat not started")
	ErrInvalidConfig  = stderrors.New("invalid configuration")
)

// Response statuses.
const (
	StatusSuccess  = "success"
	StatusRecorded = "heartbeat recorded"
	StatusError    = "error"
)

// Metrics is the optional resource block of a heartbeat. Every field is
// individually optional.
type Metrics struct {
	CPU        *float64       `json:"cpu,omitempty"`
	Memory     *float64       `json:"memory,omitempty"`
	Disk       *float64       `json:"disk,omitempty"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
}

// Empty reports whether m carries no usable field.
func (m *Metrics) Empty() bool {
	return m == nil || (m.CPU == nil && m.Memory == nil && m.Disk == nil && m.SystemInfo == nil)
}

// Payload is what a node sends.
type Payload struct {
	// IPAddress identifies the node. Required.
	IPAddress string `json:"ip_address"`

	// Name renames the node when present.
	Name *string `json:"name,omitempty"`

	Metrics *Metrics `json:"metrics,omitempty"`
}

// Marshal serializes a payload to JSON.
func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Response is what the gateway answers.
type Response struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	NodeName string `json:"node_name,omitempty"`
	Created  bool   `json:"created,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Marshal serializes a response to JSON.
func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a heartbeat body from an untrusted sender.
//
// The body may be a JSON object or a JSON string holding one (senders that
// encode twice). Malformed metric members are dropped one by one; they never
// fail the decode. A body that is not an object fails with INVALID_INPUT.
// Decode does not require ip_address; callers validate it.
func Decode(raw []byte) (Payload, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return Payload{}, errors.InvalidInput("empty heartbeat body")
	}
	if body[0] == '"' {
		var inner string
		if err := json.Unmarshal(body, &inner); err != nil {
			return Payload{}, errors.InvalidInput("invalid JSON body", errors.WithCause(err))
		}
		body = bytes.TrimSpace([]byte(inner))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return Payload{}, errors.InvalidInput("invalid JSON body: expected an object", errors.WithCause(err))
	}

	var p Payload
	if ip, ok := decodeString(fields["ip_address"]); ok {
		p.IPAddress = strings.TrimSpace(ip)
	}
	if name, ok := decodeString(fields["name"]); ok {
		p.Name = &name
	}
	p.Metrics = decodeMetrics(fields["metrics"])
	return p, nil
}

func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeMetrics keeps whatever members of the metrics object are usable.
func decodeMetrics(raw json.RawMessage) *Metrics {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil
	}
	m := &Metrics{
		CPU:    decodePercent(fields["cpu"]),
		Memory: decodePercent(fields["memory"]),
		Disk:   decodePercent(fields["disk"]),
	}
	if info, ok := fields["system_info"]; ok {
		var v map[string]any
		if err := json.Unmarshal(info, &v); err == nil && v != nil {
			m.SystemInfo = v
		}
	}
	if m.Empty() {
		return nil
	}
	return m
}

// decodePercent accepts a JSON number or a numeric string. Non-finite
// values are dropped.
func decodePercent(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return finite(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return nil
	}
	return finite(f)
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
