// Package coordination implements the multi-robot coordination core.
// This file implements the bully-style leader election.
package coordination

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hulupeep/mbotmesh/internal/mesh"
)

// Phase is the elector's position in the election protocol.
type Phase string

const (
	// PhaseIdle means no election has run yet and no leader is known.
	PhaseIdle Phase = "idle"
	// PhaseElecting means the local robot is campaigning.
	PhaseElecting Phase = "electing"
	// PhaseLeader means the local robot won and leads the mesh.
	PhaseLeader Phase = "leader"
	// PhaseFollower means another robot leads, or the local robot
	// conceded and is waiting for the winner's announcement.
	PhaseFollower Phase = "follower"
)

// ElectionPriority derives a robot's election priority from its ID by
// summing the ID's bytes. Every robot computes the same value for every
// other robot from the ID alone, with nothing to configure or exchange.
func ElectionPriority(id mesh.RobotID) uint64 {
	var sum uint64
	for _, b := range []byte(id) {
		sum += uint64(b)
	}
	return sum
}

// wins reports whether candidate A beats candidate B: strictly higher
// priority wins, and equal priorities fall back to the lexicographically
// smaller ID so every robot resolves ties identically.
func wins(priA uint64, idA mesh.RobotID, priB uint64, idB mesh.RobotID) bool {
	if priA != priB {
		return priA > priB
	}
	return idA < idB
}

// Elector runs the local robot's side of the leader election.
//
// The elector is a pure state machine: every input returns the messages
// that should be sent in response, and the service stamps and transmits
// them. It never touches a clock or a socket itself, which is what makes
// a multi-second election testable in microseconds.
//
// Protocol summary:
//   - A robot that sees no leader for the discovery window broadcasts an
//     election_call carrying its priority.
//   - Robots that lose the priority comparison answer with an
//     election_vote; robots that win respond with their own call (or,
//     when already leading, simply re-announce).
//   - A candidate that collects a vote from every connected peer wins
//     immediately; otherwise it self-declares at the election timeout,
//     but only while it still holds the highest priority it knows of.
//   - The winner broadcasts leader_announce and everyone else follows.
//
// A lone robot wins instantly: with zero peers the vote quorum is
// vacuously complete, so a mesh of one still has a leader.
//
// Thread safety: the service serializes all calls on one goroutine.
type Elector struct {
	registry *Registry
	localID  mesh.RobotID

	discoveryTimeout time.Duration
	electionTimeout  time.Duration

	phase Phase

	// votes holds the peers that conceded the current round.
	votes map[mesh.RobotID]bool

	// electionStart anchors the election timeout while campaigning.
	electionStart time.Time

	// lastActivity anchors the discovery window: the time of the last
	// election-related event, or the first tick after startup. Zero
	// until the first tick arms it.
	lastActivity time.Time
}

// NewElector creates an elector for the local robot.
func NewElector(registry *Registry, localID mesh.RobotID, cfg Config) *Elector {
	return &Elector{
		registry:         registry,
		localID:          localID,
		discoveryTimeout: cfg.DiscoveryTimeout,
		electionTimeout:  cfg.ElectionTimeout,
		phase:            PhaseIdle,
		votes:            make(map[mesh.RobotID]bool),
	}
}

// Phase returns the elector's current phase.
func (e *Elector) Phase() Phase {
	return e.phase
}

// Start opens an election round: the local robot becomes a candidate and
// broadcasts an election_call with its priority. If no connected peer
// exists the quorum is vacuously complete and the robot declares itself
// leader in the same call.
func (e *Elector) Start(now time.Time) []mesh.Message {
	e.phase = PhaseElecting
	e.electionStart = now
	e.lastActivity = now
	e.votes = make(map[mesh.RobotID]bool)
	e.registry.SetRole(e.localID, mesh.RoleCandidate)

	pri := ElectionPriority(e.localID)
	log.Infof("robot %s calling an election with priority %d", e.localID, pri)
	out := []mesh.Message{{
		Action:   mesh.ActionElectionCall,
		Priority: pri,
	}}

	if e.quorumReached() {
		out = append(out, e.declareVictory(now)...)
	}
	return out
}

// OnCall handles a peer's election_call.
//
// If the caller beats the local robot, the local robot concedes with a
// targeted election_vote and waits for the announce; a sitting leader
// steps down first. If the local robot beats the caller, it never
// concedes: a sitting leader answers with a fresh announce so the caller
// converges immediately, and any other phase answers with the local
// robot's own call (opening a round if none is running).
func (e *Elector) OnCall(from mesh.RobotID, priority uint64, now time.Time) []mesh.Message {
	e.lastActivity = now
	localPri := ElectionPriority(e.localID)

	if wins(priority, from, localPri, e.localID) {
		if e.phase == PhaseLeader {
			log.Infof("robot %s outranks local leader, stepping down", from)
		}
		e.phase = PhaseFollower
		e.votes = make(map[mesh.RobotID]bool)
		e.registry.SetRole(e.localID, mesh.RoleFollower)
		log.Debugf("conceding election to %s (priority %d > %d)", from, priority, localPri)
		return []mesh.Message{{
			To:       []mesh.RobotID{from},
			Action:   mesh.ActionElectionVote,
			ForRobot: from,
		}}
	}

	// The local robot outranks the caller.
	if e.phase == PhaseLeader {
		log.Debugf("answering %s's election call with a fresh announce", from)
		return []mesh.Message{{
			Action: mesh.ActionLeaderAnnounce,
			Leader: e.localID,
		}}
	}
	if e.phase == PhaseElecting {
		log.Debugf("rebroadcasting own call over %s (priority %d < %d)", from, priority, localPri)
		return []mesh.Message{{
			Action:   mesh.ActionElectionCall,
			Priority: localPri,
		}}
	}
	// Idle or follower: a call means somebody suspects the leader is
	// gone, so run our own round rather than just dismissing the caller.
	return e.Start(now)
}

// OnVote handles a concession vote. Votes only count while the local
// robot is campaigning and only when they name it; anything else is a
// stray delivery from an older round and is dropped.
//
// When every currently connected peer has voted, the candidate wins
// without waiting out the timeout.
func (e *Elector) OnVote(from mesh.RobotID, forRobot mesh.RobotID, now time.Time) []mesh.Message {
	if e.phase != PhaseElecting || forRobot != e.localID {
		log.Debugf("ignoring vote from %s for %s in phase %s", from, forRobot, e.phase)
		return nil
	}
	e.lastActivity = now
	e.votes[from] = true
	if e.quorumReached() {
		log.Infof("robot %s won the election with a full quorum", e.localID)
		return e.declareVictory(now)
	}
	return nil
}

// OnAnnounce handles a leader_announce, installing the declared winner.
//
// A sitting leader does not simply yield: it steps down only to an
// announcer that beats it under the priority rule, and it answers a
// weaker announce with a fresh announce of its own. That bounded
// reassertion is how two robots that both declared themselves (after a
// partition heals) converge on one leader within a single exchange.
func (e *Elector) OnAnnounce(leader mesh.RobotID, now time.Time) []mesh.Message {
	e.lastActivity = now

	if leader == e.localID {
		// Our own announcement echoed back.
		return nil
	}

	if e.phase == PhaseLeader {
		localPri := ElectionPriority(e.localID)
		leaderPri := ElectionPriority(leader)
		if !wins(leaderPri, leader, localPri, e.localID) {
			log.Infof("reasserting leadership over weaker announce from %s", leader)
			return []mesh.Message{{
				Action: mesh.ActionLeaderAnnounce,
				Leader: e.localID,
			}}
		}
		log.Infof("stepping down, %s outranks the local robot", leader)
	}

	if !e.registry.SetRole(leader, mesh.RoleLeader) {
		// Announce for a robot that never joined or heartbeated. Admit
		// it if the cap allows; a leader the registry cannot hold would
		// leave this robot permanently leaderless.
		if err := e.registry.Join(leader, mesh.Position{}, now); err != nil {
			log.Warnf("cannot install announced leader %s: %v", leader, err)
			return nil
		}
		e.registry.SetRole(leader, mesh.RoleLeader)
	}

	e.phase = PhaseFollower
	e.votes = make(map[mesh.RobotID]bool)
	e.registry.SetRole(e.localID, mesh.RoleFollower)
	log.Infof("robot %s accepted %s as leader", e.localID, leader)
	return nil
}

// Tick advances the election clock to now.
//
// Rule one, discovery and stall recovery: a robot that is neither
// campaigning nor leading, knows no leader, and has seen no election
// activity for a full discovery window opens a round. This is both how
// a freshly started robot claims an empty mesh and how the protocol
// recovers when a conceded round's winner died before announcing.
//
// Rule two, the election timeout: a campaign that has run for the full
// election timeout ends now. The candidate self-declares if it still
// holds the highest priority among connected robots; otherwise it
// resolves to follower and lets rule one restart the process after the
// next quiet window.
func (e *Elector) Tick(now time.Time) []mesh.Message {
	if e.lastActivity.IsZero() {
		// First tick arms the discovery window.
		e.lastActivity = now
		return nil
	}

	if e.phase == PhaseElecting {
		if now.Sub(e.electionStart) < e.electionTimeout {
			return nil
		}
		if e.holdsHighestPriority() {
			log.Infof("election timed out with robot %s unbeaten, self-declaring", e.localID)
			return e.declareVictory(now)
		}
		log.Infof("election timed out, robot %s defers to a stronger peer", e.localID)
		e.phase = PhaseFollower
		e.lastActivity = now
		e.votes = make(map[mesh.RobotID]bool)
		e.registry.SetRole(e.localID, mesh.RoleFollower)
		return nil
	}

	if e.phase == PhaseLeader {
		return nil
	}
	if _, hasLeader := e.registry.Leader(); hasLeader {
		return nil
	}
	if now.Sub(e.lastActivity) >= e.discoveryTimeout {
		log.Infof("no leader heard from for %v, starting an election", e.discoveryTimeout)
		return e.Start(now)
	}
	return nil
}

// declareVictory makes the local robot leader and produces the announce.
func (e *Elector) declareVictory(now time.Time) []mesh.Message {
	e.phase = PhaseLeader
	e.lastActivity = now
	e.votes = make(map[mesh.RobotID]bool)
	e.registry.SetRole(e.localID, mesh.RoleLeader)
	log.Infof("robot %s is now the leader", e.localID)
	return []mesh.Message{{
		Action: mesh.ActionLeaderAnnounce,
		Leader: e.localID,
	}}
}

// quorumReached reports whether every connected peer has conceded the
// current round. With no peers the quorum is vacuously complete.
func (e *Elector) quorumReached() bool {
	for _, state := range e.registry.Snapshot() {
		if state.ID == e.localID {
			continue
		}
		if !e.votes[state.ID] {
			return false
		}
	}
	return true
}

// holdsHighestPriority reports whether no connected robot beats the
// local robot under the priority rule.
func (e *Elector) holdsHighestPriority() bool {
	localPri := ElectionPriority(e.localID)
	for _, state := range e.registry.Snapshot() {
		if state.ID == e.localID {
			continue
		}
		if wins(ElectionPriority(state.ID), state.ID, localPri, e.localID) {
			return false
		}
	}
	return true
}
