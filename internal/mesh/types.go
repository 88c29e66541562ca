package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// RobotID uniquely identifies a robot within the mesh.
// IDs are opaque strings, stable for the lifetime of the robot process.
type RobotID string

// Role is the coordination role a robot currently holds.
type Role string

const (
	// RoleFollower means the robot defers to the current leader.
	RoleFollower Role = "follower"
	// RoleLeader means the robot is the authoritative coordinator.
	RoleLeader Role = "leader"
	// RoleCandidate is held only while an election is in progress.
	RoleCandidate Role = "candidate"
)

// Status is the liveness state of a robot as seen by a peer.
type Status string

const (
	// StatusConnected means heartbeats are arriving within the timeout.
	StatusConnected Status = "connected"
	// StatusDisconnected means the robot missed enough heartbeats to be dropped.
	StatusDisconnected Status = "disconnected"
)

// Position is a robot's pose on the shared floor plane.
// Coordination carries positions between robots but never interprets them.
type Position struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// RobotState is everything a robot knows about one member of the mesh,
// including itself. Sequence orders updates per robot: a state with a
// lower or equal sequence than the one already held is stale.
type RobotState struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ID            RobotID   `json:"id"`
	Role          Role      `json:"role"`
	Status        Status    `json:"status"`
	Position      Position  `json:"position"`
	Sequence      uint64    `json:"sequence"`
}

// Action discriminates the message vocabulary. The set is closed: a
// message whose action is not one of these values is rejected, never
// silently ignored with defaults.
type Action string

const (
	// ActionHeartbeat is the periodic liveness beacon.
	ActionHeartbeat Action = "heartbeat"
	// ActionStateUpdate carries a robot's full state for convergence.
	ActionStateUpdate Action = "state_update"
	// ActionElectionCall opens an election round with the caller's priority.
	ActionElectionCall Action = "election_call"
	// ActionElectionVote concedes an election to a higher-priority robot.
	ActionElectionVote Action = "election_vote"
	// ActionLeaderAnnounce declares the election winner to the mesh.
	ActionLeaderAnnounce Action = "leader_announce"
	// ActionJoin announces a robot entering the mesh.
	ActionJoin Action = "join"
	// ActionLeave announces a deliberate, clean departure.
	ActionLeave Action = "leave"
)

// Valid reports whether a is part of the closed action set.
func (a Action) Valid() bool {
	switch a {
	case ActionHeartbeat, ActionStateUpdate, ActionElectionCall,
		ActionElectionVote, ActionLeaderAnnounce, ActionJoin, ActionLeave:
		return true
	}
	return false
}

// Message is the single envelope exchanged between robots. All payload
// fields are flat and optional; Validate enforces which ones an action
// requires. Timestamp is the sender's clock in milliseconds since the
// Unix epoch and is metadata only: receivers make liveness decisions
// against their own clock.
type Message struct {
	From      RobotID   `json:"from"`
	To        []RobotID `json:"to,omitempty"` // empty means broadcast
	Action    Action    `json:"action"`
	Timestamp uint64    `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`

	State    *RobotState `json:"state,omitempty"`     // state_update
	Priority uint64      `json:"priority,omitempty"`  // election_call
	ForRobot RobotID     `json:"for_robot,omitempty"` // election_vote
	Leader   RobotID     `json:"leader,omitempty"`    // leader_announce
	Robot    RobotID     `json:"robot,omitempty"`     // join, leave
	Position *Position   `json:"position,omitempty"`  // join, optional
}

// Validate checks the envelope and the payload required by its action.
// Receivers reject invalid messages outright rather than guessing
// defaults for missing fields.
func (m *Message) Validate() error {
	if m.From == "" {
		return errors.New("message missing from")
	}
	if !m.Action.Valid() {
		return fmt.Errorf("unknown action %q", m.Action)
	}
	switch m.Action {
	case ActionStateUpdate:
		if m.State == nil {
			return fmt.Errorf("%s missing state", m.Action)
		}
		if m.State.ID == "" {
			return fmt.Errorf("%s missing state.id", m.Action)
		}
	case ActionElectionCall:
		if m.Priority == 0 {
			return fmt.Errorf("%s missing priority", m.Action)
		}
	case ActionElectionVote:
		if m.ForRobot == "" {
			return fmt.Errorf("%s missing for_robot", m.Action)
		}
	case ActionLeaderAnnounce:
		if m.Leader == "" {
			return fmt.Errorf("%s missing leader", m.Action)
		}
	case ActionJoin, ActionLeave:
		if m.Robot == "" {
			return fmt.Errorf("%s missing robot", m.Action)
		}
	}
	return nil
}

// IsBroadcast reports whether the message addresses the whole mesh.
func (m *Message) IsBroadcast() bool {
	return len(m.To) == 0
}

// Addresses reports whether id should receive this message. Broadcasts
// address everyone except the sender.
func (m *Message) Addresses(id RobotID) bool {
	if m.IsBroadcast() {
		return id != m.From
	}
	return slices.Contains(m.To, id)
}

// EncodeMessage validates and marshals m for the wire.
func EncodeMessage(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage unmarshals and validates a wire message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
