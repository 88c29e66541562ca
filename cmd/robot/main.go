// Package main implements the mbotmesh robot daemon, which runs the
// coordination core for one robot and exposes it over HTTP.
//
// One daemon runs per physical robot. It keeps the shared view of the
// mesh (who is in it, who leads it, where everyone is), elects a leader
// when none exists, and exchanges heartbeats and state updates with its
// peers.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              robot daemon                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /coordination - Peer message intake  │
//	│    /state        - Mesh snapshot        │
//	│    /leader       - Current leader       │
//	│    /position     - Local pose intake    │
//	│    /stats        - Transport counters   │
//	│    /health       - Liveness probe       │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    coordination.Service - Protocol core │
//	│    transport.HTTP       - Peer delivery │
//	└─────────────────────────────────────────┘
//
// Configuration (environment):
//   - ROBOT_ID: Robot identifier (default: generated "robot-<uuid8>")
//   - ROBOT_LISTEN: Listen address (default ":8090")
//   - ROBOT_ADDR: Public base URL peers reach this robot on
//   - ROBOT_PEERS: Comma-separated id=url pairs, e.g.
//     "robot-b=http://10.0.0.2:8090,robot-c=http://10.0.0.3:8090"
//   - ROBOT_LOG_LEVEL: logrus level (default "info")
//   - ROBOT_MAX_ROBOTS, ROBOT_HEARTBEAT_MS, ROBOT_DISCOVERY_MS,
//     ROBOT_ELECTION_MS, ROBOT_SYNC_MS, ROBOT_DISCONNECT_MS:
//     coordination tuning overrides (milliseconds)
//
// Example usage:
//
//	ROBOT_ID=robot-a \
//	ROBOT_LISTEN=:8090 \
//	ROBOT_ADDR=http://10.0.0.1:8090 \
//	ROBOT_PEERS=robot-b=http://10.0.0.2:8090 \
//	./robot
//
//	# Report a pose from the firmware
//	curl -X POST localhost:8090/position \
//	  -d '{"x":1.5,"y":2.0,"heading":90}'
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Hulupeep/mbotmesh/internal/coordination"
	"github.com/Hulupeep/mbotmesh/internal/mesh"
	"github.com/Hulupeep/mbotmesh/internal/transport"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

// main wires configuration, transport, and the coordination service
// together, joins the local robot to the mesh, and serves until a
// shutdown signal arrives. Leaving the mesh is announced to peers
// before the process exits so they elect a replacement immediately
// instead of waiting out the disconnect timeout.
func main() {
	configureLogging(getenv("ROBOT_LOG_LEVEL", "info"))

	robotID := mesh.RobotID(getenv("ROBOT_ID", defaultRobotID()))
	listen := getenv("ROBOT_LISTEN", ":8090")
	public := getenv("ROBOT_ADDR", "http://127.0.0.1:8090")

	cfg, err := configFromEnv()
	if err != nil {
		logFatal("configuration: %v", err)
	}

	tr := transport.NewHTTP()
	if err := addPeers(tr, os.Getenv("ROBOT_PEERS")); err != nil {
		logFatal("ROBOT_PEERS: %v", err)
	}

	svc, err := coordination.NewService(cfg, robotID, tr)
	if err != nil {
		logFatal("coordination: %v", err)
	}

	srv := newServer(svc, tr)

	mux := http.NewServeMux()
	mux.Handle(transport.CoordinationPath, tr.Handler(svc))
	mux.HandleFunc("/state", srv.handleState)
	mux.HandleFunc("/leader", srv.handleLeader)
	mux.HandleFunc("/position", srv.handlePosition)
	mux.HandleFunc("/stats", srv.handleStats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("robot[%s] listening on %s (public %s, peers %v)", robotID, listen, public, tr.Peers())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	// Enter the mesh and start coordinating.
	if err := svc.Join(robotID, mesh.Position{}); err != nil {
		logFatal("joining the mesh: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Announce the departure before tearing anything down.
	svc.Leave(robotID)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Infof("robot %s stopped", robotID)
}

type server struct {
	svc *coordination.Service
	tr  *transport.HTTP
}

func newServer(svc *coordination.Service, tr *transport.HTTP) *server {
	return &server{svc: svc, tr: tr}
}

// handleState returns the mesh snapshot, sorted by robot ID.
func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	states := s.svc.State()
	var leaderID mesh.RobotID
	if leader, ok := s.svc.Leader(); ok {
		leaderID = leader.ID
	}

	response := struct {
		Robots []mesh.RobotState `json:"robots"`
		Count  int               `json:"count"`
		Leader mesh.RobotID      `json:"leader,omitempty"`
	}{
		Robots: states,
		Count:  len(states),
		Leader: leaderID,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleLeader returns the current leader, 404 while none is known.
func (s *server) handleLeader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	leader, ok := s.svc.Leader()
	if !ok {
		http.Error(w, "no leader elected", http.StatusNotFound)
		return
	}

	response := struct {
		Leader  mesh.RobotState `json:"leader"`
		IsLocal bool            `json:"is_local"`
	}{
		Leader:  leader,
		IsLocal: s.svc.IsLeader(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handlePosition accepts a pose report from the robot's firmware and
// queues it for the next sync broadcast.
func (s *server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var pos mesh.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if err := s.svc.PublishPosition(pos); err != nil {
		// Only possible before the daemon has joined its own mesh.
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStats returns transport counters for monitoring.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := struct {
		RobotID   mesh.RobotID    `json:"robot_id"`
		Peers     []mesh.RobotID  `json:"peers"`
		Transport transport.Stats `json:"transport"`
	}{
		RobotID:   s.svc.LocalID(),
		Peers:     s.tr.Peers(),
		Transport: s.tr.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// configureLogging installs the text formatter and the requested level,
// falling back to info on garbage.
func configureLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// defaultRobotID generates a unique fallback identity so a daemon
// started without ROBOT_ID still joins cleanly.
func defaultRobotID() string {
	return "robot-" + uuid.NewString()[:8]
}

// addPeers loads the static peer table from a comma-separated list of
// id=url pairs.
func addPeers(tr *transport.HTTP, spec string) error {
	if spec == "" {
		return nil
	}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok || id == "" || url == "" {
			return fmt.Errorf("malformed peer %q, want id=url", pair)
		}
		tr.AddPeer(mesh.RobotID(id), url)
	}
	return nil
}

// configFromEnv maps the tuning environment variables onto the default
// configuration. Values are validated by NewService, not here.
func configFromEnv() (coordination.Config, error) {
	cfg := coordination.DefaultConfig()
	var err error
	if cfg.MaxRobots, err = intEnv("ROBOT_MAX_ROBOTS", cfg.MaxRobots); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatInterval, err = msEnv("ROBOT_HEARTBEAT_MS", cfg.HeartbeatInterval); err != nil {
		return cfg, err
	}
	if cfg.DiscoveryTimeout, err = msEnv("ROBOT_DISCOVERY_MS", cfg.DiscoveryTimeout); err != nil {
		return cfg, err
	}
	if cfg.ElectionTimeout, err = msEnv("ROBOT_ELECTION_MS", cfg.ElectionTimeout); err != nil {
		return cfg, err
	}
	if cfg.SyncInterval, err = msEnv("ROBOT_SYNC_MS", cfg.SyncInterval); err != nil {
		return cfg, err
	}
	if cfg.DisconnectTimeout, err = msEnv("ROBOT_DISCONNECT_MS", cfg.DisconnectTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// getenv retrieves an environment variable with a default fallback.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// intEnv parses an integer environment variable with a default.
func intEnv(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", k, err)
	}
	return n, nil
}

// msEnv parses a milliseconds environment variable with a default.
func msEnv(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", k, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}
