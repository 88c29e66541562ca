// Package coordination implements the multi-robot coordination core:
// mesh membership with a hard cap, heartbeat liveness, bully-style
// leader election, and sequence-gated state synchronization, composed
// behind a single service facade.
//
// # Overview
//
// Up to four robots coordinate as peers on a local network. Every robot
// runs the same code and holds its own view of the mesh; there is no
// central broker. One robot at a time is elected leader and acts as the
// authoritative coordinator for the application layer, while the others
// follow. When the leader disappears, the survivors elect a replacement
// within a bounded time.
//
// # Architecture
//
// The service owns four cooperating components:
//
//	┌─────────────────────────────────────────┐
//	│               Service                   │
//	├─────────────────────────────────────────┤
//	│                                         │
//	│  ┌───────────────────────────────────┐  │
//	│  │  Registry                         │  │
//	│  │  - membership map + cap           │  │
//	│  │  - sequence gate                  │  │
//	│  │  - single-leader invariant        │  │
//	│  └───────────────────────────────────┘  │
//	│                                         │
//	│  ┌───────────────┐  ┌────────────────┐  │
//	│  │  Monitor      │  │  Elector       │  │
//	│  │  - heartbeats │  │  - priorities  │  │
//	│  │  - sweeps     │  │  - votes       │  │
//	│  └───────────────┘  │  - announces   │  │
//	│                     └────────────────┘  │
//	│  ┌───────────────────────────────────┐  │
//	│  │  Synchronizer                     │  │
//	│  │  - coalesced publishes            │  │
//	│  │  - rate-limited flushes           │  │
//	│  └───────────────────────────────────┘  │
//	│                                         │
//	└────────────────┬────────────────────────┘
//	                 │ stamped messages
//	                 ▼
//	            Sender (transport)
//
// Inbound messages enter through OnMessage, time enters through Tick,
// and everything the components decide to say leaves through the Sender.
// No component sends anything itself; they return messages and the
// service stamps From, Timestamp, and Sequence before transmission.
//
// # Determinism
//
// Nothing in this package reads the wall clock or starts a timer. Every
// deadline (heartbeat cadence, disconnect sweep, discovery window,
// election timeout, sync flush) is evaluated against the observation
// time handed to Tick, and the clock behind Run is injected. A test can
// therefore drive a three-second election in microseconds with a fake
// clock and get the same transitions every run.
//
// Cross-robot clock skew does not matter either: a peer's liveness is
// judged by when its traffic arrived on the local clock, never by the
// timestamps inside its messages.
//
// # Leader Election
//
// Elections are bully-style. Each robot derives a priority from its ID
// (byte sum, ties to the lexicographically smaller ID), so every robot
// ranks every other without negotiation:
//
//	robot    priority   rank
//	"c3"     150        1    ← wins any election it joins
//	"b2"     148        2
//	"a1"     146        3
//
// A robot that sees no leader for the discovery window broadcasts an
// election_call. Stronger robots answer with their own calls; weaker
// robots concede with votes. A candidate holding votes from every
// connected peer wins immediately, and a candidate still unbeaten at
// the election timeout declares itself. The winner broadcasts
// leader_announce. Competing self-declarations (after a partition
// heals) converge because a sitting leader steps down exactly when the
// rival outranks it and reasserts otherwise.
//
// # Liveness and Membership
//
// Every robot broadcasts a heartbeat each interval. A peer silent past
// the disconnect timeout is marked disconnected and removed in the same
// sweep; if it led the mesh, the vacancy triggers an election on that
// very tick rather than after another discovery window. A removed robot
// that comes back is readmitted by its next heartbeat, cap permitting.
//
// Membership is capped (four by default). The cap binds everywhere a
// robot can enter: explicit joins, join announcements, and implicit
// joins via heartbeat all fail once the mesh is full.
//
// # State Synchronization
//
// Robots converge on each other's position and status through
// state_update broadcasts, at most one per sync interval per robot.
// Updates carry the publisher's own sequence number; receivers apply an
// update only when its sequence is strictly newer than what they hold,
// so duplicated and reordered deliveries cannot regress anyone's view.
//
// # Usage Example
//
//	tr := transport.NewHTTP()
//	tr.AddPeer("robot-b", "http://10.0.0.2:8090")
//	svc, err := coordination.NewService(coordination.DefaultConfig(),
//	    robotID, tr)
//	if err != nil {
//	    log.Fatalf("coordination: %v", err)
//	}
//	if err := svc.Join(robotID, mesh.Position{}); err != nil {
//	    log.Fatalf("join: %v", err)
//	}
//	go svc.Run(ctx)
//
//	// Application loop
//	svc.PublishPosition(mesh.Position{X: x, Y: y, Heading: h})
//	if svc.IsLeader() {
//	    // run the coordinator-side planning
//	}
//
// # See Also
//
// Related packages:
//   - internal/mesh: message vocabulary and wire format
//   - internal/transport: HTTP delivery between robots
//   - cmd/robot: the per-robot daemon wiring it all together
package coordination
