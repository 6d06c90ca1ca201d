// Package statestore persists FSM instance snapshots so in-flight
// correlations survive restarts. Timer handles are never part of a snapshot;
// the runtime re-arms windows after load.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corrflow/corrflow/pkg/models"
)

// InstanceTTL bounds how long an orphaned snapshot survives.
const InstanceTTL = 24 * time.Hour

// Store is the persistence contract of the FSM runtime. Save is
// write-through fire-and-forget: failures are logged, never returned.
type Store interface {
	// Save persists a full-replace snapshot of the instance.
	Save(ctx context.Context, state *models.FSMRuntimeState)
	// Load returns the snapshot for an instance id, or nil when absent.
	Load(ctx context.Context, instanceID string) (*models.FSMRuntimeState, error)
	// LoadAllForMachine returns every snapshot indexed under a machine id.
	LoadAllForMachine(ctx context.Context, machineID string) ([]*models.FSMRuntimeState, error)
	// Remove deletes the snapshot and its machine-index entry.
	Remove(ctx context.Context, instanceID, machineID string)
}

func instanceKey(instanceID string) string { return "fsm:instance:" + instanceID }
func machineKey(machineID string) string   { return "fsm:machine:" + machineID + ":instances" }

// RedisStore is the Redis-backed store.
type RedisStore struct {
	client *redis.Client
}

// New connects to Redis and returns a RedisStore. When the back-end is
// unreachable the engine degrades gracefully: a warning is logged and a
// no-op store is returned, so FSMs run without durability instead of not
// running at all.
func New(ctx context.Context, addr, password string, db int) Store {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("State store unavailable, running without persistence",
			"addr", addr, "error", err)
		_ = client.Close()
		return NewNoop()
	}
	slog.Info("State store connected", "addr", addr)
	return &RedisStore{client: client}
}

// NewWithClient wraps an existing client (used by tests with miniredis).
func NewWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Save persists the snapshot and indexes it under its machine id. Errors are
// logged, not returned: persistence is best-effort by contract.
func (s *RedisStore) Save(ctx context.Context, state *models.FSMRuntimeState) {
	raw, err := json.Marshal(state)
	if err != nil {
		slog.Error("Failed to serialize FSM snapshot",
			"instance_id", state.InstanceID, "error", err)
		return
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, instanceKey(state.InstanceID), raw, InstanceTTL)
	pipe.SAdd(ctx, machineKey(state.MachineID), state.InstanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to persist FSM snapshot",
			"instance_id", state.InstanceID, "machine_id", state.MachineID, "error", err)
	}
}

// Load restores one snapshot. A missing key is (nil, nil).
func (s *RedisStore) Load(ctx context.Context, instanceID string) (*models.FSMRuntimeState, error) {
	raw, err := s.client.Get(ctx, instanceKey(instanceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", instanceID, err)
	}
	var state models.FSMRuntimeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", instanceID, err)
	}
	return &state, nil
}

// LoadAllForMachine restores every live snapshot of a machine. Index entries
// whose snapshot expired are pruned from the set.
func (s *RedisStore) LoadAllForMachine(ctx context.Context, machineID string) ([]*models.FSMRuntimeState, error) {
	ids, err := s.client.SMembers(ctx, machineKey(machineID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for machine %s: %w", machineID, err)
	}

	states := make([]*models.FSMRuntimeState, 0, len(ids))
	for _, id := range ids {
		state, err := s.Load(ctx, id)
		if err != nil {
			slog.Warn("Skipping unreadable FSM snapshot",
				"instance_id", id, "machine_id", machineID, "error", err)
			continue
		}
		if state == nil {
			// TTL outlived the index entry.
			s.client.SRem(ctx, machineKey(machineID), id)
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// Remove deletes the snapshot and drops the machine-index entry.
func (s *RedisStore) Remove(ctx context.Context, instanceID, machineID string) {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, instanceKey(instanceID))
	pipe.SRem(ctx, machineKey(machineID), instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to remove FSM snapshot",
			"instance_id", instanceID, "machine_id", machineID, "error", err)
	}
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NoopStore satisfies Store without persisting anything.
type NoopStore struct{}

// NewNoop returns the no-op store.
func NewNoop() *NoopStore { return &NoopStore{} }

func (*NoopStore) Save(context.Context, *models.FSMRuntimeState) {}

func (*NoopStore) Load(context.Context, string) (*models.FSMRuntimeState, error) {
	return nil, nil
}

func (*NoopStore) LoadAllForMachine(context.Context, string) ([]*models.FSMRuntimeState, error) {
	return nil, nil
}

func (*NoopStore) Remove(context.Context, string, string) {}
