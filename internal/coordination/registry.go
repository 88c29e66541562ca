package coordination

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/Hulupeep/mbotmesh/internal/mesh"
)

// ErrTooManyRobots is returned when a join would push membership past the
// configured cap.
var ErrTooManyRobots = errors.New("too many robots")

// ErrUnknownRobot is returned when an operation names a robot the
// registry has never seen or has already removed.
var ErrUnknownRobot = errors.New("unknown robot")

// Registry tracks every robot known to the mesh, serving as the
// authoritative local view of membership, roles, and last-observed state.
//
// The registry enforces four invariants on behalf of the whole core:
//   - Membership never exceeds the configured cap.
//   - Per-robot sequence numbers only move forward; stale and duplicate
//     updates are rejected, not merged.
//   - At most one tracked robot holds the leader role at a time.
//   - A removed robot leaves as disconnected and never as leader.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│            Registry                 │
//	├─────────────────────────────────────┤
//	│  robots: map[RobotID]→RobotState    │
//	│  maxRobots: membership cap          │
//	│  leaderVacant: election trigger     │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  update.seq > stored.seq → apply    │
//	│  update.seq ≤ stored.seq → drop     │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned state is copied to prevent races
type Registry struct {
	// robots maps robot IDs to their last known state.
	// Entries are inserted by Join and deleted by Remove.
	robots map[mesh.RobotID]*mesh.RobotState

	// mu protects robots and leaderVacant.
	mu sync.RWMutex

	// maxRobots caps membership, local robot included.
	// Immutable after creation.
	maxRobots int

	// leaderVacant is raised when the leader is removed and lowered
	// when a new leader is installed or the flag is consumed.
	leaderVacant bool
}

// NewRegistry creates an empty registry that will admit at most
// maxRobots members.
//
// Example:
//
//	registry := NewRegistry(4)
//	err := registry.Join("robot-a", mesh.Position{}, clock.Now())
func NewRegistry(maxRobots int) *Registry {
	return &Registry{
		robots:    make(map[mesh.RobotID]*mesh.RobotState),
		maxRobots: maxRobots,
	}
}

// Join admits a robot to the mesh as a connected follower with sequence
// zero and a liveness stamp of now.
//
// Behavior:
//   - Returns ErrTooManyRobots when the cap is already reached.
//   - A join for an already-present robot is a no-op returning nil, so
//     duplicate join deliveries are harmless.
//   - New members always start as followers; leadership is only ever
//     granted through an election.
//
// Parameters:
//   - id: The robot to admit (must be non-empty)
//   - pos: Initial position, if the announcement carried one
//   - now: Local observation time for the liveness stamp
//
// Returns:
//   - nil on success or duplicate join
//   - ErrTooManyRobots when membership is at the cap
func (r *Registry) Join(id mesh.RobotID, pos mesh.Position, now time.Time) error {
	if id == "" {
		return errors.New("robot ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.robots[id]; exists {
		return nil
	}
	if len(r.robots) >= r.maxRobots {
		return ErrTooManyRobots
	}

	r.robots[id] = &mesh.RobotState{
		ID:            id,
		Role:          mesh.RoleFollower,
		Status:        mesh.StatusConnected,
		Position:      pos,
		LastHeartbeat: now,
	}
	log.Infof("robot %s joined the mesh (%d/%d members)", id, len(r.robots), r.maxRobots)
	return nil
}

// ApplyUpdate merges a peer's state update, gated by its sequence number.
//
// The update is applied only when the robot is known and the incoming
// sequence is strictly greater than the stored one. Position, status,
// and sequence are taken from the update; LastHeartbeat is stamped with
// the receiver's own observation time, never the sender's clock.
//
// The update's role is ignored. Roles change only through SetRole, so
// leadership moves with election traffic and a state update can never
// install a second leader, however its sender describes itself. The
// wire still carries the sender's role; receivers just don't adopt it.
//
// Stale, duplicate, and unknown-robot updates are protocol-expected
// (deliveries reorder and repeat), so they are dropped with a debug log
// rather than surfaced as errors.
//
// Returns:
//   - true if the update advanced the stored state
//   - false if it was stale, duplicate, or for an unknown robot
func (r *Registry) ApplyUpdate(update mesh.RobotState, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.robots[update.ID]
	if !exists {
		log.Debugf("dropping state update for unknown robot %s", update.ID)
		return false
	}
	if update.Sequence <= current.Sequence {
		log.Debugf("dropping stale update for %s (seq %d <= %d)",
			update.ID, update.Sequence, current.Sequence)
		return false
	}

	current.Position = update.Position
	current.Status = update.Status
	current.Sequence = update.Sequence
	current.LastHeartbeat = now
	return true
}

// Touch refreshes a robot's liveness stamp without changing its state.
// Returns false if the robot is unknown.
func (r *Registry) Touch(id mesh.RobotID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.robots[id]
	if !exists {
		return false
	}
	state.LastHeartbeat = now
	return true
}

// SetRole installs a role transition decided by the elector.
//
// Installing RoleLeader demotes any other robot currently holding it to
// follower first, so the single-leader invariant holds inside the
// registry no matter what order announcements arrive in. Installing a
// leader also clears the vacancy flag.
//
// Returns false if the robot is unknown.
func (r *Registry) SetRole(id mesh.RobotID, role mesh.Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.robots[id]
	if !exists {
		return false
	}

	if role == mesh.RoleLeader {
		for otherID, other := range r.robots {
			if otherID != id && other.Role == mesh.RoleLeader {
				other.Role = mesh.RoleFollower
				log.Infof("robot %s demoted to follower, %s is taking over", otherID, id)
			}
		}
		r.leaderVacant = false
	}

	if state.Role != role {
		log.Infof("robot %s role %s -> %s", id, state.Role, role)
	}
	state.Role = role
	return true
}

// Remove deletes a robot from the mesh and returns its final state,
// marked disconnected.
//
// If the removed robot was the leader, the vacancy flag is raised so the
// caller can trigger an election on its next tick. The returned state is
// a copy; the registry entry is gone.
//
// Returns:
//   - The final state (Status forced to disconnected) and true
//   - A zero state and false if the robot was unknown
func (r *Registry) Remove(id mesh.RobotID) (mesh.RobotState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.robots[id]
	if !exists {
		return mesh.RobotState{}, false
	}

	final := *state
	final.Status = mesh.StatusDisconnected
	if final.Role == mesh.RoleLeader {
		final.Role = mesh.RoleFollower
		r.leaderVacant = true
		log.Infof("leader %s left the mesh, flagging vacancy", id)
	}
	delete(r.robots, id)
	return final, true
}

// LeaderVacant reports whether the leader slot is currently flagged
// vacant without consuming the flag.
func (r *Registry) LeaderVacant() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderVacant
}

// ConsumeVacancy lowers the vacancy flag and reports whether it was
// raised. The elector consumes the flag exactly once per vacancy so a
// single leader loss triggers a single election.
func (r *Registry) ConsumeVacancy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.leaderVacant
	r.leaderVacant = false
	return was
}

// Snapshot returns a deep copy of every tracked state, sorted by robot
// ID so consumers and tests see a stable order.
func (r *Registry) Snapshot() []mesh.RobotState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]mesh.RobotState, 0, len(r.robots))
	for _, state := range r.robots {
		states = append(states, *state)
	}
	slices.SortFunc(states, func(a, b mesh.RobotState) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return states
}

// Leader returns the current leader's state, if any robot holds the role.
func (r *Registry) Leader() (mesh.RobotState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, state := range r.robots {
		if state.Role == mesh.RoleLeader {
			return *state, true
		}
	}
	return mesh.RobotState{}, false
}

// Get returns a copy of one robot's state.
func (r *Registry) Get(id mesh.RobotID) (mesh.RobotState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.robots[id]
	if !exists {
		return mesh.RobotState{}, false
	}
	return *state, true
}

// Has reports whether the robot is currently a member.
func (r *Registry) Has(id mesh.RobotID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.robots[id]
	return exists
}

// Len returns the current member count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.robots)
}
