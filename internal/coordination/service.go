// Package coordination implements the multi-robot coordination core.
// This file implements the service facade that applications drive.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	clocks "github.com/vimeo/go-clocks"

	"github.com/Hulupeep/mbotmesh/internal/mesh"
)

// inboxDepth bounds the inbound message queue. The consumer drains it on
// every loop iteration; a full queue means the mesh is producing faster
// than one robot can reasonably coordinate, and overflow drops with a
// warning rather than blocking the transport.
const inboxDepth = 64

// Sender is the outbound boundary: the service hands it every stamped
// message and never waits to learn whether delivery succeeded.
// Correctness rides on retransmission (heartbeats and sync repeat), not
// on confirmed delivery.
type Sender interface {
	Send(msg mesh.Message)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(msg mesh.Message)

// Send calls f(msg).
func (f SenderFunc) Send(msg mesh.Message) {
	f(msg)
}

// Option configures a Service at construction.
type Option func(*Service)

// WithClock replaces the wall clock, letting tests drive timeouts with
// a fake clock instead of sleeping through them.
func WithClock(clock clocks.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// Service is the coordination facade: the one type applications and
// transports touch. It owns the registry, heartbeat monitor, elector,
// and synchronizer, and wires their inputs and outputs together.
//
// Responsibilities:
//   - Inbound: OnMessage validates, refreshes liveness, and dispatches
//     every wire message to the right component.
//   - Time: Tick drives heartbeats, disconnect sweeps, election
//     deadlines, and sync flushes from a single observation time.
//   - Outbound: every message a component produces is stamped with the
//     local robot's ID, the clock's timestamp, and a monotonically
//     increasing sequence, then handed to the Sender.
//
// Concurrency model:
//   - One mutex serializes all coordination state transitions, so the
//     components behind it are written as plain single-threaded code.
//   - Read-only queries (State, Leader, IsLeader) go straight to the
//     registry, which has its own read lock, so UI polling never
//     contends with the coordination path.
//   - Run pumps everything on one goroutine; Enqueue is the only thing
//     transports call, and it never blocks.
type Service struct {
	cfg     Config
	localID mesh.RobotID

	registry *Registry
	monitor  *Monitor
	elector  *Elector
	syncer   *Synchronizer

	sender Sender
	clock  clocks.Clock

	// inbox is the single-consumer inbound queue drained by Run.
	inbox chan *mesh.Message

	// mu serializes every coordination state transition.
	mu sync.Mutex

	// outSeq numbers outbound messages.
	outSeq uint64
}

// NewService builds the coordination core for one robot. Construction
// fails on an invalid configuration rather than running with clamped
// values; the production clock is used unless WithClock overrides it.
//
// The local robot is not a member until Join is called with its ID.
//
// Example:
//
//	svc, err := coordination.NewService(coordination.DefaultConfig(),
//	    "robot-a", transport)
//	if err != nil {
//	    log.Fatalf("coordination: %v", err)
//	}
//	svc.Join("robot-a", mesh.Position{})
//	go svc.Run(ctx)
func NewService(cfg Config, localID mesh.RobotID, sender Sender, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordination config: %w", err)
	}
	if localID == "" {
		return nil, errors.New("local robot ID cannot be empty")
	}
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}

	registry := NewRegistry(cfg.MaxRobots)
	s := &Service{
		cfg:      cfg,
		localID:  localID,
		registry: registry,
		monitor:  NewMonitor(registry, localID, cfg),
		elector:  NewElector(registry, localID, cfg),
		syncer:   NewSynchronizer(registry, localID, cfg),
		sender:   sender,
		clock:    clocks.DefaultClock(),
		inbox:    make(chan *mesh.Message, inboxDepth),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LocalID returns the robot this service coordinates for.
func (s *Service) LocalID() mesh.RobotID {
	return s.localID
}

// Join admits a robot to the local view and announces it to the mesh.
// Joining the local robot is how a daemon enters coordination; the
// membership cap applies to everyone equally, so a fifth robot gets
// ErrTooManyRobots here, not a silent partial membership.
func (s *Service) Join(id mesh.RobotID, pos mesh.Position) error {
	s.mu.Lock()
	now := s.clock.Now()
	err := s.registry.Join(id, pos, now)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.dispatch([]mesh.Message{{
		Action:   mesh.ActionJoin,
		Robot:    id,
		Position: &pos,
	}}, now)
	return nil
}

// Leave removes a robot from the local view and announces the departure.
// Leaving leaders raise the vacancy flag, so the next tick opens an
// election instead of waiting out the disconnect timeout.
func (s *Service) Leave(id mesh.RobotID) {
	s.mu.Lock()
	now := s.clock.Now()
	_, removed := s.registry.Remove(id)
	s.mu.Unlock()
	if !removed {
		return
	}

	s.dispatch([]mesh.Message{{
		Action: mesh.ActionLeave,
		Robot:  id,
	}}, now)
}

// PublishPosition records a new pose for the local robot. The state is
// queued and broadcast by the next flush, so rapid successive calls
// coalesce into one update. Returns ErrUnknownRobot before Join.
func (s *Service) PublishPosition(pos mesh.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncer.PublishLocal(pos, mesh.StatusConnected, s.clock.Now())
}

// State returns a copy of every tracked robot state, sorted by ID.
// Safe to call from any goroutine at any rate.
func (s *Service) State() []mesh.RobotState {
	return s.registry.Snapshot()
}

// Leader returns the current leader's state, if one is known.
func (s *Service) Leader() (mesh.RobotState, bool) {
	return s.registry.Leader()
}

// IsLeader reports whether the local robot currently leads the mesh.
func (s *Service) IsLeader() bool {
	leader, ok := s.registry.Leader()
	return ok && leader.ID == s.localID
}

// Enqueue hands an inbound message to the service without blocking.
// When the queue is full the message is dropped with a warning; every
// protocol message is either periodic or re-triggered, so a drop costs
// latency, not correctness.
func (s *Service) Enqueue(msg *mesh.Message) {
	select {
	case s.inbox <- msg:
	default:
		log.Warnf("inbound queue full, dropping %s from %s", msg.Action, msg.From)
	}
}

// OnMessage is the sole inbound entry point. It validates the envelope,
// drops self-echoes and misaddressed deliveries, refreshes the sender's
// liveness, and dispatches on the action. Message-level anomalies are
// absorbed here; nothing a peer sends can error the local robot.
func (s *Service) OnMessage(msg *mesh.Message) {
	if msg == nil {
		return
	}
	if err := msg.Validate(); err != nil {
		log.Warnf("dropping invalid message: %v", err)
		return
	}
	if msg.From == s.localID {
		log.Debugf("dropping echoed %s from self", msg.Action)
		return
	}
	if !msg.Addresses(s.localID) {
		log.Debugf("dropping %s addressed to someone else", msg.Action)
		return
	}

	s.mu.Lock()
	now := s.clock.Now()
	known := s.registry.Has(msg.From)
	s.monitor.Observe(msg.From, msg.Action, now)

	var out []mesh.Message
	switch msg.Action {
	case mesh.ActionHeartbeat:
		// Observe already refreshed the sender; heartbeats carry
		// nothing else.
	case mesh.ActionStateUpdate:
		s.syncer.OnUpdate(msg, now)
	case mesh.ActionElectionCall:
		out = s.elector.OnCall(msg.From, msg.Priority, now)
	case mesh.ActionElectionVote:
		out = s.elector.OnVote(msg.From, msg.ForRobot, now)
	case mesh.ActionLeaderAnnounce:
		out = s.elector.OnAnnounce(msg.Leader, now)
	case mesh.ActionJoin:
		s.admit(msg, now)
	case mesh.ActionLeave:
		if _, removed := s.registry.Remove(msg.Robot); removed {
			log.Infof("robot %s left the mesh", msg.Robot)
		}
	default:
		log.Warnf("no handler for action %q", msg.Action)
	}

	// A sitting leader teaches every newcomer who leads. Without this a
	// robot rejoining after a partition could sit on its own stale claim
	// forever, since heartbeats carry no leader information.
	if !known && s.registry.Has(msg.From) && s.elector.Phase() == PhaseLeader {
		log.Debugf("announcing leadership to newcomer %s", msg.From)
		out = append(out, mesh.Message{
			To:     []mesh.RobotID{msg.From},
			Action: mesh.ActionLeaderAnnounce,
			Leader: s.localID,
		})
	}
	s.mu.Unlock()

	s.dispatch(out, now)
}

// Tick is the sole time entry point, normally driven by Run at the sync
// interval. One tick runs, in order: the heartbeat monitor (emission and
// disconnect sweep), the vacancy check (a swept or departed leader opens
// an election immediately), the election clock, and the sync flush.
// Everything produced is stamped and sent.
func (s *Service) Tick(now time.Time) {
	s.mu.Lock()
	out := s.monitor.Tick(now)
	if s.registry.ConsumeVacancy() {
		if phase := s.elector.Phase(); phase != PhaseElecting && phase != PhaseLeader {
			out = append(out, s.elector.Start(now)...)
		}
	}
	out = append(out, s.elector.Tick(now)...)
	out = append(out, s.syncer.Flush(now)...)
	s.mu.Unlock()

	s.dispatch(out, now)
}

// Run pumps the service until the context is canceled: inbound messages
// from the queue, ticks at the sync interval. All coordination logic
// runs on this one goroutine.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	log.Infof("coordination running for %s (tick every %v)", s.localID, s.cfg.SyncInterval)

	for {
		select {
		case msg := <-s.inbox:
			s.OnMessage(msg)
		case <-ticker.C:
			s.Tick(s.clock.Now())
		case <-ctx.Done():
			log.Infof("coordination for %s stopping", s.localID)
			return
		}
	}
}

// admit handles a join announcement from the mesh.
func (s *Service) admit(msg *mesh.Message, now time.Time) {
	pos := mesh.Position{}
	if msg.Position != nil {
		pos = *msg.Position
	}
	if err := s.registry.Join(msg.Robot, pos, now); err != nil {
		log.Warnf("cannot admit %s: %v", msg.Robot, err)
	}
}

// dispatch stamps and sends every message produced by a transition.
// From, Timestamp, and Sequence are set here and nowhere else.
func (s *Service) dispatch(msgs []mesh.Message, now time.Time) {
	for _, msg := range msgs {
		msg.From = s.localID
		msg.Timestamp = uint64(now.UnixMilli())
		msg.Sequence = atomic.AddUint64(&s.outSeq, 1)
		s.sender.Send(msg)
	}
}
