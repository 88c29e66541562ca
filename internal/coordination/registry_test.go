package coordination

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Hulupeep/mbotmesh/internal/mesh"
)

var testEpoch = time.Date(2024, 4, 5, 12, 0, 0, 0, time.UTC)

// TestNewRegistry tests creation of the robot registry
func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name      string
		maxRobots int
	}{
		{
			name:      "create with cap 1",
			maxRobots: 1,
		},
		{
			name:      "create with cap 4",
			maxRobots: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(tt.maxRobots)

			if registry == nil {
				t.Fatal("Expected registry instance, got nil")
			}
			if registry.Len() != 0 {
				t.Errorf("Expected 0 members initially, got %d", registry.Len())
			}
			if registry.LeaderVacant() {
				t.Error("Expected no vacancy on a fresh registry")
			}
		})
	}
}

// TestRegistryJoin tests membership admission and the cap
func TestRegistryJoin(t *testing.T) {
	t.Run("join admits a connected follower", func(t *testing.T) {
		registry := NewRegistry(4)

		if err := registry.Join("robot-a", mesh.Position{X: 1, Y: 2}, testEpoch); err != nil {
			t.Fatalf("Failed to join: %v", err)
		}

		state, ok := registry.Get("robot-a")
		if !ok {
			t.Fatal("Expected robot-a to be tracked")
		}
		if state.Role != mesh.RoleFollower {
			t.Errorf("Expected role follower, got %s", state.Role)
		}
		if state.Status != mesh.StatusConnected {
			t.Errorf("Expected status connected, got %s", state.Status)
		}
		if state.Sequence != 0 {
			t.Errorf("Expected sequence 0, got %d", state.Sequence)
		}
		if !state.LastHeartbeat.Equal(testEpoch) {
			t.Errorf("Expected liveness stamp %v, got %v", testEpoch, state.LastHeartbeat)
		}
	})

	t.Run("fifth join is rejected at cap 4", func(t *testing.T) {
		registry := NewRegistry(4)

		for i := 0; i < 4; i++ {
			id := mesh.RobotID(fmt.Sprintf("robot-%d", i))
			if err := registry.Join(id, mesh.Position{}, testEpoch); err != nil {
				t.Fatalf("Failed to join %s: %v", id, err)
			}
		}

		err := registry.Join("robot-4", mesh.Position{}, testEpoch)
		if !errors.Is(err, ErrTooManyRobots) {
			t.Errorf("Expected ErrTooManyRobots, got %v", err)
		}
		if registry.Len() != 4 {
			t.Errorf("Expected membership to stay at 4, got %d", registry.Len())
		}
	})

	t.Run("duplicate join is idempotent", func(t *testing.T) {
		registry := NewRegistry(4)

		registry.Join("robot-a", mesh.Position{X: 1}, testEpoch)
		registry.Touch("robot-a", testEpoch.Add(time.Second))

		// Second join must not reset the liveness stamp or position
		if err := registry.Join("robot-a", mesh.Position{X: 99}, testEpoch.Add(2*time.Second)); err != nil {
			t.Fatalf("Expected duplicate join to succeed, got %v", err)
		}

		state, _ := registry.Get("robot-a")
		if state.Position.X != 1 {
			t.Errorf("Expected position to be untouched, got x=%v", state.Position.X)
		}
		if !state.LastHeartbeat.Equal(testEpoch.Add(time.Second)) {
			t.Errorf("Expected liveness stamp to be untouched, got %v", state.LastHeartbeat)
		}
	})

	t.Run("empty robot ID is rejected", func(t *testing.T) {
		registry := NewRegistry(4)

		if err := registry.Join("", mesh.Position{}, testEpoch); err == nil {
			t.Error("Expected error for empty robot ID, got nil")
		}
	})

	t.Run("rejoin after removal is admitted", func(t *testing.T) {
		registry := NewRegistry(1)

		registry.Join("robot-a", mesh.Position{}, testEpoch)
		registry.Remove("robot-a")

		if err := registry.Join("robot-a", mesh.Position{}, testEpoch.Add(time.Minute)); err != nil {
			t.Errorf("Expected rejoin to succeed, got %v", err)
		}
	})
}

// TestRegistryApplyUpdate tests the sequence gate
func TestRegistryApplyUpdate(t *testing.T) {
	t.Run("higher sequence applies", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{}, testEpoch)

		now := testEpoch.Add(time.Second)
		applied := registry.ApplyUpdate(mesh.RobotState{
			ID:       "robot-a",
			Role:     mesh.RoleFollower,
			Status:   mesh.StatusConnected,
			Position: mesh.Position{X: 3.5, Y: 1.2, Heading: 90},
			Sequence: 1,
		}, now)

		if !applied {
			t.Fatal("Expected update with sequence 1 to apply over 0")
		}

		state, _ := registry.Get("robot-a")
		if state.Sequence != 1 {
			t.Errorf("Expected sequence 1, got %d", state.Sequence)
		}
		if state.Position.X != 3.5 {
			t.Errorf("Expected position to be updated, got x=%v", state.Position.X)
		}
		if !state.LastHeartbeat.Equal(now) {
			t.Errorf("Expected local observation stamp %v, got %v", now, state.LastHeartbeat)
		}
	})

	t.Run("leader claim in an update is not adopted", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{}, testEpoch)
		registry.Join("robot-b", mesh.Position{}, testEpoch)
		registry.SetRole("robot-a", mesh.RoleLeader)

		applied := registry.ApplyUpdate(mesh.RobotState{
			ID:       "robot-b",
			Role:     mesh.RoleLeader,
			Status:   mesh.StatusConnected,
			Position: mesh.Position{X: 2},
			Sequence: 5,
		}, testEpoch.Add(time.Second))

		if !applied {
			t.Fatal("Expected the update body to apply")
		}
		state, _ := registry.Get("robot-b")
		if state.Role != mesh.RoleFollower {
			t.Errorf("Expected robot-b to stay a follower, got %s", state.Role)
		}
		if state.Sequence != 5 || state.Position.X != 2 {
			t.Errorf("Expected position and sequence to land, got %+v", state)
		}

		leader, ok := registry.Leader()
		if !ok || leader.ID != "robot-a" {
			t.Errorf("Expected robot-a to keep the leadership, got %+v", leader)
		}
		leaders := 0
		for _, st := range registry.Snapshot() {
			if st.Role == mesh.RoleLeader {
				leaders++
			}
		}
		if leaders != 1 {
			t.Errorf("Expected exactly one leader, got %d", leaders)
		}
	})

	t.Run("equal sequence is dropped", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{}, testEpoch)
		registry.ApplyUpdate(mesh.RobotState{ID: "robot-a", Sequence: 5, Position: mesh.Position{X: 1}}, testEpoch)

		applied := registry.ApplyUpdate(mesh.RobotState{
			ID:       "robot-a",
			Sequence: 5,
			Position: mesh.Position{X: 42},
		}, testEpoch.Add(time.Second))

		if applied {
			t.Error("Expected duplicate sequence to be dropped")
		}
		state, _ := registry.Get("robot-a")
		if state.Position.X != 1 {
			t.Errorf("Expected position x=1 to survive, got %v", state.Position.X)
		}
	})

	t.Run("lower sequence is dropped", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{}, testEpoch)
		registry.ApplyUpdate(mesh.RobotState{ID: "robot-a", Sequence: 5, Position: mesh.Position{X: 1}}, testEpoch)

		applied := registry.ApplyUpdate(mesh.RobotState{
			ID:       "robot-a",
			Sequence: 3,
			Position: mesh.Position{X: 42},
		}, testEpoch.Add(time.Second))

		if applied {
			t.Error("Expected out-of-order sequence to be dropped")
		}
		state, _ := registry.Get("robot-a")
		if state.Sequence != 5 {
			t.Errorf("Expected sequence to stay at 5, got %d", state.Sequence)
		}
	})

	t.Run("unknown robot is dropped", func(t *testing.T) {
		registry := NewRegistry(4)

		applied := registry.ApplyUpdate(mesh.RobotState{ID: "robot-ghost", Sequence: 1}, testEpoch)
		if applied {
			t.Error("Expected update for unknown robot to be dropped")
		}
		if registry.Has("robot-ghost") {
			t.Error("Expected unknown robot not to be admitted by an update")
		}
	})
}

// TestRegistrySetRole tests role transitions and the single-leader invariant
func TestRegistrySetRole(t *testing.T) {
	t.Run("installing a leader demotes the previous one", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{}, testEpoch)
		registry.Join("robot-b", mesh.Position{}, testEpoch)

		registry.SetRole("robot-a", mesh.RoleLeader)
		registry.SetRole("robot-b", mesh.RoleLeader)

		leaders := 0
		for _, state := range registry.Snapshot() {
			if state.Role == mesh.RoleLeader {
				leaders++
				if state.ID != "robot-b" {
					t.Errorf("Expected robot-b to lead, got %s", state.ID)
				}
			}
		}
		if leaders != 1 {
			t.Errorf("Expected exactly one leader, got %d", leaders)
		}
	})

	t.Run("installing a leader clears the vacancy", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{}, testEpoch)
		registry.Join("robot-b", mesh.Position{}, testEpoch)
		registry.SetRole("robot-a", mesh.RoleLeader)

		registry.Remove("robot-a")
		if !registry.LeaderVacant() {
			t.Fatal("Expected vacancy after removing the leader")
		}

		registry.SetRole("robot-b", mesh.RoleLeader)
		if registry.LeaderVacant() {
			t.Error("Expected vacancy to clear once a new leader is installed")
		}
	})

	t.Run("unknown robot returns false", func(t *testing.T) {
		registry := NewRegistry(4)

		if registry.SetRole("robot-ghost", mesh.RoleLeader) {
			t.Error("Expected SetRole on unknown robot to return false")
		}
	})
}

// TestRegistryRemove tests removal semantics and the vacancy flag
func TestRegistryRemove(t *testing.T) {
	t.Run("removed robot leaves disconnected", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{X: 7}, testEpoch)

		final, ok := registry.Remove("robot-a")
		if !ok {
			t.Fatal("Expected removal of a tracked robot to succeed")
		}
		if final.Status != mesh.StatusDisconnected {
			t.Errorf("Expected final status disconnected, got %s", final.Status)
		}
		if final.Position.X != 7 {
			t.Errorf("Expected final state to carry last position, got x=%v", final.Position.X)
		}
		if registry.Has("robot-a") {
			t.Error("Expected robot-a to be gone")
		}
	})

	t.Run("removing a follower leaves no vacancy", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{}, testEpoch)
		registry.Join("robot-b", mesh.Position{}, testEpoch)
		registry.SetRole("robot-a", mesh.RoleLeader)

		registry.Remove("robot-b")
		if registry.LeaderVacant() {
			t.Error("Expected no vacancy after a follower left")
		}
	})

	t.Run("removing the leader raises the vacancy once", func(t *testing.T) {
		registry := NewRegistry(4)
		registry.Join("robot-a", mesh.Position{}, testEpoch)
		registry.SetRole("robot-a", mesh.RoleLeader)

		final, _ := registry.Remove("robot-a")
		if final.Role == mesh.RoleLeader {
			t.Error("Expected final state not to claim leadership")
		}

		if !registry.ConsumeVacancy() {
			t.Fatal("Expected the vacancy flag to be raised")
		}
		if registry.ConsumeVacancy() {
			t.Error("Expected the vacancy flag to be consumed exactly once")
		}
	})

	t.Run("unknown robot returns false", func(t *testing.T) {
		registry := NewRegistry(4)

		if _, ok := registry.Remove("robot-ghost"); ok {
			t.Error("Expected removal of unknown robot to return false")
		}
	})
}

// TestRegistrySnapshot tests ordering and isolation of snapshots
func TestRegistrySnapshot(t *testing.T) {
	registry := NewRegistry(4)
	registry.Join("robot-c", mesh.Position{}, testEpoch)
	registry.Join("robot-a", mesh.Position{}, testEpoch)
	registry.Join("robot-b", mesh.Position{}, testEpoch)

	snap := registry.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Expected 3 states, got %d", len(snap))
	}

	// Snapshot order is stable: sorted by robot ID
	want := []mesh.RobotID{"robot-a", "robot-b", "robot-c"}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("Expected snapshot[%d] to be %s, got %s", i, id, snap[i].ID)
		}
	}

	// Mutating the snapshot must not leak into the registry
	snap[0].Position.X = 1000
	state, _ := registry.Get("robot-a")
	if state.Position.X == 1000 {
		t.Error("Expected snapshot to be isolated from registry state")
	}
}

// TestRegistryLeader tests leader lookup
func TestRegistryLeader(t *testing.T) {
	registry := NewRegistry(4)
	registry.Join("robot-a", mesh.Position{}, testEpoch)
	registry.Join("robot-b", mesh.Position{}, testEpoch)

	if _, ok := registry.Leader(); ok {
		t.Error("Expected no leader before any election")
	}

	registry.SetRole("robot-b", mesh.RoleLeader)

	leader, ok := registry.Leader()
	if !ok {
		t.Fatal("Expected a leader after SetRole")
	}
	if leader.ID != "robot-b" {
		t.Errorf("Expected robot-b to lead, got %s", leader.ID)
	}
}

// TestRegistryTouch tests liveness refresh
func TestRegistryTouch(t *testing.T) {
	registry := NewRegistry(4)
	registry.Join("robot-a", mesh.Position{}, testEpoch)

	later := testEpoch.Add(30 * time.Second)
	if !registry.Touch("robot-a", later) {
		t.Fatal("Expected touch of a tracked robot to succeed")
	}

	state, _ := registry.Get("robot-a")
	if !state.LastHeartbeat.Equal(later) {
		t.Errorf("Expected liveness stamp %v, got %v", later, state.LastHeartbeat)
	}

	if registry.Touch("robot-ghost", later) {
		t.Error("Expected touch of unknown robot to return false")
	}
}

// TestRegistryConcurrency exercises the registry from many goroutines
func TestRegistryConcurrency(t *testing.T) {
	registry := NewRegistry(8)
	for i := 0; i < 4; i++ {
		registry.Join(mesh.RobotID(fmt.Sprintf("robot-%d", i)), mesh.Position{}, testEpoch)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := mesh.RobotID(fmt.Sprintf("robot-%d", n%4))
			for j := 0; j < 200; j++ {
				registry.ApplyUpdate(mesh.RobotState{
					ID:       id,
					Status:   mesh.StatusConnected,
					Sequence: uint64(j),
				}, testEpoch.Add(time.Duration(j)*time.Millisecond))
				registry.Touch(id, testEpoch)
				registry.Get(id)
				registry.Snapshot()
				registry.Leader()
			}
		}(i)
	}
	wg.Wait()

	if registry.Len() != 4 {
		t.Errorf("Expected membership to stay at 4, got %d", registry.Len())
	}
}
