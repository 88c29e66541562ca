// Package transport moves coordination messages between robots as JSON
// over HTTP.
//
// # Overview
//
// The transport is deliberately dumb: it delivers stamped messages to
// peer robots and hands inbound ones to the coordination service. All
// protocol intelligence (who leads, who is alive, whose state is
// newest) lives above it, which is what lets the whole coordination
// core be tested without a single socket.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│              transport.HTTP                  │
//	├──────────────────────────────────────────────┤
//	│  Outbound (coordination.Sender):             │
//	│    Send(msg) ─ resolve targets from the      │
//	│    peer table, POST to each concurrently,    │
//	│    retry briefly, then drop                  │
//	├──────────────────────────────────────────────┤
//	│  Inbound (http.Handler):                     │
//	│    POST /coordination ─ decode, validate,    │
//	│    enqueue to the service, 202               │
//	├──────────────────────────────────────────────┤
//	│  Peer table:                                 │
//	│    RobotID → base URL, maintained by the     │
//	│    operator or discovery                     │
//	└──────────────────────────────────────────────┘
//
// # Delivery Semantics
//
// Send never blocks the caller and never reports failure upward: each
// target is attempted on its own goroutine with a short exponential
// backoff, and a peer that stays unreachable simply misses the message.
// The coordination protocol tolerates that by construction. Heartbeats
// repeat every interval, state updates repeat on the sync cadence, and
// elections re-run when silence persists, so a dropped message costs
// latency, never correctness.
//
// Broadcast messages fan out to every peer in the table except the
// sender; targeted messages go only to the robots listed in "to".
//
// # Usage
//
//	tr := transport.NewHTTP()
//	tr.AddPeer("robot-b", "http://10.0.0.2:8090")
//
//	svc, _ := coordination.NewService(cfg, "robot-a", tr)
//	http.Handle(transport.CoordinationPath, tr.Handler(svc))
//
// # See Also
//
//   - Package mesh for the wire format the transport carries.
//   - Package coordination for the service driving Send and consuming
//     the handler's deliveries.
package transport
