// Package coordination implements the multi-robot coordination core.
// This file implements state synchronization across the mesh.
package coordination

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hulupeep/mbotmesh/internal/mesh"
)

// Synchronizer converges robot state across the mesh: it publishes the
// local robot's state at a bounded rate and folds peers' updates into
// the registry through the sequence gate.
//
// Outbound, publishes coalesce: if the local state changes five times
// between flushes, peers see one update carrying the latest state and a
// sequence that jumped by five. Inbound, the sequence gate makes
// duplicated and reordered deliveries harmless, so the transport needs
// no ordering guarantees.
type Synchronizer struct {
	registry *Registry
	localID  mesh.RobotID

	// interval is the minimum spacing between state broadcasts.
	interval time.Duration

	// pending is the newest unflushed local state, nil when peers are
	// already up to date.
	pending *mesh.RobotState

	// lastFlush is when the previous state broadcast went out.
	lastFlush time.Time
}

// NewSynchronizer creates a synchronizer for the local robot.
func NewSynchronizer(registry *Registry, localID mesh.RobotID, cfg Config) *Synchronizer {
	return &Synchronizer{
		registry: registry,
		localID:  localID,
		interval: cfg.SyncInterval,
	}
}

// PublishLocal records a new local position and status, bumping the
// local sequence number and queueing the state for the next flush.
// Returns ErrUnknownRobot until the local robot has joined the mesh.
func (s *Synchronizer) PublishLocal(pos mesh.Position, status mesh.Status, now time.Time) error {
	current, ok := s.registry.Get(s.localID)
	if !ok {
		return ErrUnknownRobot
	}

	next := current
	next.Position = pos
	next.Status = status
	next.Sequence = current.Sequence + 1
	s.registry.ApplyUpdate(next, now)

	// Coalesce: only the newest state survives until the next flush.
	s.pending = &next
	return nil
}

// Flush emits at most one state_update per sync interval, carrying the
// newest pending local state. Returns nil when nothing is pending or
// the interval has not elapsed.
func (s *Synchronizer) Flush(now time.Time) []mesh.Message {
	if s.pending == nil {
		return nil
	}
	if !s.lastFlush.IsZero() && now.Sub(s.lastFlush) < s.interval {
		return nil
	}

	state := *s.pending
	s.pending = nil
	s.lastFlush = now
	log.Debugf("broadcasting state of %s at sequence %d", state.ID, state.Sequence)
	return []mesh.Message{{
		Action: mesh.ActionStateUpdate,
		State:  &state,
	}}
}

// OnUpdate folds a peer's state_update into the registry.
//
// The update must describe the sender itself; robots are authoritative
// for their own state only. Updates about the local robot and updates
// that lose the sequence gate are protocol-expected noise and are
// absorbed with a debug log. Returns whether the registry advanced.
func (s *Synchronizer) OnUpdate(msg *mesh.Message, now time.Time) bool {
	if msg.State == nil {
		return false
	}
	if msg.State.ID != msg.From {
		log.Warnf("robot %s sent a state update for %s, dropping", msg.From, msg.State.ID)
		return false
	}
	if msg.State.ID == s.localID {
		log.Debugf("ignoring external update about the local robot")
		return false
	}
	return s.registry.ApplyUpdate(*msg.State, now)
}
