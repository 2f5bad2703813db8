package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/protocol"
	"github.com/itskum47/flotilla/store"
)

type recordingReclaimer struct {
	mu      sync.Mutex
	workers []string
}

func (r *recordingReclaimer) ReassignWorkerTasks(_ context.Context, workerID string) {
	r.mu.Lock()
	r.workers = append(r.workers, workerID)
	r.mu.Unlock()
}

func testRegistry(t *testing.T) (*Registry, *store.Memory, *cache.Memory) {
	t.Helper()
	st := store.NewMemory()
	ch := cache.NewMemory()
	return New(st, ch, DefaultConfig(), zerolog.Nop()), st, ch
}

func TestRegistrationIsIdempotent(t *testing.T) {
	r, st, ch := testRegistry(t)
	ctx := context.Background()

	reg := &protocol.Registration{
		WorkerID:     "w1",
		Hostname:     "box",
		Capabilities: protocol.Capabilities{MaxConcurrentTasks: 2},
	}
	_, err := r.ApplyRegistration(ctx, reg)
	require.NoError(t, err)
	_, err = r.ApplyRegistration(ctx, reg)
	require.NoError(t, err)

	workers, err := st.ListWorkers(ctx, "")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, protocol.WorkerIdle, workers[0].Status)

	active, err := ch.SMembers(ctx, cache.KeyActiveWorkers)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, active)

	blob, err := ch.Get(ctx, cache.WorkerKey("w1"))
	require.NoError(t, err)
	assert.NotEmpty(t, blob)
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	r, st, _ := testRegistry(t)
	ctx := context.Background()

	_, err := r.ApplyRegistration(ctx, &protocol.Registration{
		WorkerID:     "w1",
		Capabilities: protocol.Capabilities{MaxConcurrentTasks: 1},
	})
	require.NoError(t, err)

	at := time.Now().Add(time.Second)
	require.NoError(t, r.ApplyHeartbeat(ctx, &protocol.Heartbeat{
		WorkerID:  "w1",
		Status:    protocol.WorkerBusy,
		Timestamp: at,
	}))

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerBusy, w.Status)
	assert.WithinDuration(t, at, w.LastHeartbeat, time.Millisecond)
}

func TestHeartbeatStormIsThrottled(t *testing.T) {
	r, st, _ := testRegistry(t)
	ctx := context.Background()

	_, err := r.ApplyRegistration(ctx, &protocol.Registration{
		WorkerID:     "w1",
		Capabilities: protocol.Capabilities{MaxConcurrentTasks: 1},
	})
	require.NoError(t, err)

	base := time.Now()
	// Burst far past the limiter; only the first few reach the store.
	for i := 0; i < 20; i++ {
		require.NoError(t, r.ApplyHeartbeat(ctx, &protocol.Heartbeat{
			WorkerID:  "w1",
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	// The persisted heartbeat is from an early, allowed delivery, not the
	// twentieth.
	assert.True(t, w.LastHeartbeat.Before(base.Add(5*time.Millisecond)),
		"store writes stop once the limiter trips")
}

func TestHeartbeatResurrectsUnresponsiveWorker(t *testing.T) {
	r, st, _ := testRegistry(t)
	ctx := context.Background()

	_, err := r.ApplyRegistration(ctx, &protocol.Registration{
		WorkerID:     "w1",
		Capabilities: protocol.Capabilities{MaxConcurrentTasks: 1},
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateWorkerStatus(ctx, "w1", protocol.WorkerUnresponsive, time.Now()))

	require.NoError(t, r.ApplyHeartbeat(ctx, &protocol.Heartbeat{
		WorkerID:  "w1",
		Status:    protocol.WorkerIdle,
		Timestamp: time.Now(),
	}))

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerIdle, w.Status)
}

func TestMergedReadPrefersFresherCache(t *testing.T) {
	r, st, ch := testRegistry(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, st.UpsertWorker(ctx, &store.Worker{
		WorkerID:      "w1",
		Status:        protocol.WorkerIdle,
		LastHeartbeat: now.Add(-time.Minute),
	}))

	// Cache holds a fresher copy, as after a heartbeat the store missed.
	cached := &store.Worker{
		WorkerID:      "w1",
		Status:        protocol.WorkerBusy,
		LastHeartbeat: now,
		UpdatedAt:     now.Add(time.Hour),
	}
	blob, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, ch.Set(ctx, cache.WorkerKey("w1"), string(blob), cache.WorkerTTL))

	w, err := r.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerBusy, w.Status)
	assert.WithinDuration(t, now, w.LastHeartbeat, time.Millisecond)
}

func TestSweepDemotesSilentWorkerAndReclaims(t *testing.T) {
	st := store.NewMemory()
	ch := cache.NewMemory()
	r := New(st, ch, Config{
		HealthCheckInterval: time.Hour,
		WorkerTimeout:       30 * time.Second,
		OfflineGrace:        time.Minute,
	}, zerolog.Nop())
	rec := &recordingReclaimer{}
	r.SetReclaimer(rec)
	ctx := context.Background()

	// Busy worker whose last heartbeat is past the timeout.
	require.NoError(t, st.UpsertWorker(ctx, &store.Worker{
		WorkerID:      "w-dead",
		Status:        protocol.WorkerBusy,
		LastHeartbeat: time.Now().Add(-time.Minute),
	}))
	// Healthy worker stays untouched.
	require.NoError(t, st.UpsertWorker(ctx, &store.Worker{
		WorkerID:      "w-live",
		Status:        protocol.WorkerIdle,
		LastHeartbeat: time.Now(),
	}))

	r.sweepOnce(ctx)

	dead, err := st.GetWorker(ctx, "w-dead")
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerUnresponsive, dead.Status)
	assert.Equal(t, []string{"w-dead"}, rec.workers)

	live, err := st.GetWorker(ctx, "w-live")
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerIdle, live.Status)

	// Past the offline grace the worker is retired.
	require.NoError(t, st.UpsertWorker(ctx, &store.Worker{
		WorkerID:      "w-dead",
		Status:        protocol.WorkerUnresponsive,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}))
	r.sweepOnce(ctx)

	dead, err = st.GetWorker(ctx, "w-dead")
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerOffline, dead.Status)

	active, err := ch.SMembers(ctx, cache.KeyActiveWorkers)
	require.NoError(t, err)
	assert.NotContains(t, active, "w-dead")
}
