// Package mesh defines the shared data model and wire format for the
// multi-robot coordination mesh: robot identity, roles, liveness status,
// position snapshots, and the single message envelope every component
// exchanges.
//
// # Overview
//
// The mesh package is deliberately passive. It contains no goroutines, no
// clocks, and no network code; it is the vocabulary the rest of the system
// speaks. The coordination core (internal/coordination) produces and
// consumes these types, and the transport (internal/transport) moves them
// between processes as JSON.
//
// # Architecture
//
// Every robot holds a map of RobotState keyed by RobotID, converged
// through Message exchange:
//
//	┌───────────────┐     Message      ┌───────────────┐
//	│   Robot A     │ ───────────────► │   Robot B     │
//	│               │                  │               │
//	│ states:       │ ◄─────────────── │ states:       │
//	│  A → {...}    │                  │  A → {...}    │
//	│  B → {...}    │                  │  B → {...}    │
//	└───────────────┘                  └───────────────┘
//
// # Message Vocabulary
//
// Exactly seven actions exist, and the set is closed:
//
//	heartbeat        periodic liveness beacon, no payload
//	state_update     full RobotState for sequence-gated convergence
//	election_call    opens an election, carries caller priority
//	election_vote    concedes to a higher-priority robot
//	leader_announce  declares the election winner
//	join             robot entering the mesh
//	leave            deliberate departure
//
// A message whose action is outside this set, or whose action-specific
// payload field is missing, fails Validate and is dropped by receivers.
// There are no defaults for missing fields: a state_update without a
// state, a vote without a target, or an announce without a leader is a
// protocol error, not a guessable omission.
//
// # Wire Format
//
// Messages travel as a single flat JSON object. Optional payload fields
// are omitted when unused:
//
//	{
//	  "from": "robot-a",
//	  "action": "state_update",
//	  "timestamp": 1712345678901,
//	  "sequence": 42,
//	  "state": {
//	    "id": "robot-a",
//	    "role": "follower",
//	    "status": "connected",
//	    "position": {"x": 1.5, "y": 2.0, "heading": 90},
//	    "last_heartbeat": "2024-04-05T12:34:56Z",
//	    "sequence": 42
//	  }
//	}
//
// An empty "to" list means broadcast. Broadcasts address every robot
// except the sender; transports use Addresses to resolve delivery.
//
// # Time and Sequence
//
// Timestamp is the sender's wall clock in milliseconds since the Unix
// epoch. It is carried for diagnostics only: receivers never compare a
// sender's timestamp against their own clock to decide liveness, because
// robot clocks drift. Liveness is always decided from the receiver's
// local observation time.
//
// Sequence numbers order state per robot. Each robot increments its own
// sequence when its state changes; receivers apply an update only when
// the incoming sequence is strictly greater than the one they hold.
// Duplicate and reordered deliveries are therefore harmless.
//
// # Usage Example
//
//	msg := &mesh.Message{
//	    From:   "robot-a",
//	    Action: mesh.ActionStateUpdate,
//	    State:  &state,
//	}
//	data, err := mesh.EncodeMessage(msg)
//	if err != nil {
//	    log.Errorf("encode: %v", err)
//	}
//
//	got, err := mesh.DecodeMessage(data)
//	if err != nil {
//	    // malformed or missing required payload, drop it
//	}
//
// # See Also
//
// Related packages:
//   - internal/coordination: registry, heartbeats, elections, sync
//   - internal/transport: HTTP delivery of encoded messages
package mesh
