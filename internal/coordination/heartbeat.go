// Package coordination implements the multi-robot coordination core.
// This file implements heartbeat emission and disconnect detection.
package coordination

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hulupeep/mbotmesh/internal/mesh"
)

// Monitor drives liveness in both directions: it emits the local robot's
// periodic heartbeat and sweeps peers whose heartbeats have stopped.
//
// The monitor owns no timers. All timing decisions compare the
// observation time passed into Tick and Observe, which keeps every
// timeout deterministic under test and immune to robot clock drift:
// a peer's silence is measured entirely on the local clock.
//
// Thread safety: the monitor itself holds no state that outlives a call
// except lastBeat, and the service serializes Tick and Observe on one
// goroutine. The registry it mutates is safe for concurrent readers.
type Monitor struct {
	// registry receives liveness refreshes and disconnect removals.
	registry *Registry

	// localID is never swept; a robot does not disconnect itself.
	localID mesh.RobotID

	// heartbeatInterval is the emission cadence.
	heartbeatInterval time.Duration

	// disconnectTimeout is the silence budget before removal.
	disconnectTimeout time.Duration

	// lastBeat is when the previous heartbeat was emitted.
	// Zero means no beat has been sent yet, so the first tick beats
	// immediately.
	lastBeat time.Time
}

// NewMonitor creates a monitor for the local robot.
//
// Parameters:
//   - registry: Membership registry to refresh and sweep
//   - localID: The robot this process runs on
//   - cfg: Validated configuration (intervals and timeouts)
func NewMonitor(registry *Registry, localID mesh.RobotID, cfg Config) *Monitor {
	return &Monitor{
		registry:          registry,
		localID:           localID,
		heartbeatInterval: cfg.HeartbeatInterval,
		disconnectTimeout: cfg.DisconnectTimeout,
	}
}

// Tick advances the monitor to now and returns the messages to send.
//
// Two things happen, in order:
//  1. Emission: when a full heartbeat interval has passed since the last
//     beat (or none has been sent yet), one heartbeat broadcast is
//     produced.
//  2. Sweep: every peer whose last observed heartbeat is older than the
//     disconnect timeout is removed from the registry. The local robot
//     is never swept. Removing the leader raises the registry's vacancy
//     flag, which the service turns into an election on this same tick.
//
// A peer is marked disconnected and removed in the same sweep; the grace
// period a silent robot gets is exactly the time until the first tick
// past its timeout.
func (m *Monitor) Tick(now time.Time) []mesh.Message {
	var out []mesh.Message

	if m.lastBeat.IsZero() || now.Sub(m.lastBeat) >= m.heartbeatInterval {
		m.lastBeat = now
		log.Debugf("broadcasting heartbeat at %v", now)
		out = append(out, mesh.Message{Action: mesh.ActionHeartbeat})
	}

	for _, state := range m.registry.Snapshot() {
		if state.ID == m.localID {
			continue
		}
		silent := now.Sub(state.LastHeartbeat)
		if silent > m.disconnectTimeout {
			if final, ok := m.registry.Remove(state.ID); ok {
				log.Infof("robot %s silent for %v, removed as %s",
					final.ID, silent, final.Status)
			}
		}
	}

	return out
}

// Observe records inbound traffic from a peer as proof of life.
//
// Any message from a known robot refreshes its liveness stamp; the
// protocol does not require a robot to be idle between heartbeats for
// its silence clock to reset. A heartbeat from an unknown robot is an
// implicit join, which is how robots discover each other when an
// explicit join announcement was lost. The join is still subject to the
// membership cap: when the mesh is full the newcomer is dropped with a
// warning and must wait for a slot.
func (m *Monitor) Observe(from mesh.RobotID, action mesh.Action, now time.Time) {
	if m.registry.Touch(from, now) {
		return
	}
	if action != mesh.ActionHeartbeat {
		log.Debugf("ignoring %s from unknown robot %s", action, from)
		return
	}
	if err := m.registry.Join(from, mesh.Position{}, now); err != nil {
		if errors.Is(err, ErrTooManyRobots) {
			log.Warnf("heartbeat from %s but the mesh is full, dropping", from)
			return
		}
		log.Warnf("could not admit %s: %v", from, err)
	}
}
