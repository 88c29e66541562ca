// Package coordination implements the multi-robot coordination core.
// See doc.go for complete package documentation.
package coordination

import (
	"fmt"
	"time"
)

// Config holds the tunable parameters of the coordination core. These six
// options are the complete configuration surface; anything else is
// derived or fixed by the protocol.
type Config struct {
	// MaxRobots caps mesh membership, local robot included.
	MaxRobots int

	// HeartbeatInterval is how often the local robot broadcasts a
	// liveness beacon.
	HeartbeatInterval time.Duration

	// DiscoveryTimeout is how long a freshly started robot waits to
	// hear from an existing leader before calling an election.
	DiscoveryTimeout time.Duration

	// ElectionTimeout bounds a single election round. A candidate that
	// has not collected every vote by then resolves the round on its own.
	ElectionTimeout time.Duration

	// SyncInterval is the minimum spacing between state_update
	// broadcasts of the local state.
	SyncInterval time.Duration

	// DisconnectTimeout is how long a peer may stay silent before it is
	// declared disconnected and removed.
	DisconnectTimeout time.Duration
}

// DefaultConfig returns the production parameters: four robots, one
// second heartbeats, and a disconnect timeout of three missed beats.
func DefaultConfig() Config {
	return Config{
		MaxRobots:         4,
		HeartbeatInterval: 1 * time.Second,
		DiscoveryTimeout:  5 * time.Second,
		ElectionTimeout:   3 * time.Second,
		SyncInterval:      100 * time.Millisecond,
		DisconnectTimeout: 3 * time.Second,
	}
}

// Validate checks the configuration and returns an error describing the
// first problem found. Invalid values fail construction outright; they
// are never clamped to something plausible.
func (c Config) Validate() error {
	if c.MaxRobots <= 0 {
		return fmt.Errorf("max robots must be positive, got %d", c.MaxRobots)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("discovery timeout must be positive, got %v", c.DiscoveryTimeout)
	}
	if c.ElectionTimeout <= 0 {
		return fmt.Errorf("election timeout must be positive, got %v", c.ElectionTimeout)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %v", c.SyncInterval)
	}
	if c.DisconnectTimeout <= 0 {
		return fmt.Errorf("disconnect timeout must be positive, got %v", c.DisconnectTimeout)
	}
	// A disconnect timeout shorter than the heartbeat interval would
	// sweep healthy peers between their own beats.
	if c.DisconnectTimeout < c.HeartbeatInterval {
		return fmt.Errorf("disconnect timeout %v must be at least the heartbeat interval %v",
			c.DisconnectTimeout, c.HeartbeatInterval)
	}
	return nil
}
