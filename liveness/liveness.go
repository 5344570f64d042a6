// Package liveness decides whether a node is alive from its last heartbeat.
package liveness

import (
	"time"

	"github.com/vinayprograms/fleetwatch/store"
)

// DefaultThreshold is the silence after which a node is considered dead.
const DefaultThreshold = 120 * time.Second

// IsAlive reports whether a heartbeat at last is recent enough at now.
// A node that never sent one is not alive. Exactly threshold of silence is
// dead.
func IsAlive(last *time.Time, threshold time.Duration, now time.Time) bool {
	if last == nil {
		return false
	}
	return now.Sub(*last) < threshold
}

// Status is the presentation state of a node.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusAlive    Status = "alive"
	StatusDead     Status = "dead"
	StatusInactive Status = "inactive"
)

// StatusDisplay is the operator-facing label: inactive wins over liveness.
func StatusDisplay(active, alive bool) Status {
	switch {
	case !active:
		return StatusInactive
	case alive:
		return StatusAlive
	default:
		return StatusDead
	}
}

// Evaluate places a node in the state machine:
// Unknown (never heard from), Alive, Dead or Inactive.
func Evaluate(n *store.Node, threshold time.Duration, now time.Time) Status {
	switch {
	case !n.IsActive:
		return StatusInactive
	case n.LastHeartbeat == nil:
		return StatusUnknown
	case IsAlive(n.LastHeartbeat, threshold, now):
		return StatusAlive
	default:
		return StatusDead
	}
}

// Silence returns how long the node has been quiet, or 0 if it never spoke.
func Silence(last *time.Time, now time.Time) time.Duration {
	if last == nil {
		return 0
	}
	if d := now.Sub(*last); d > 0 {
		return d
	}
	return 0
}
