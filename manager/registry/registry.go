// Package registry maintains the authoritative worker view across the bus,
// the cache projection, and the durable store, and runs the liveness sweeper
// that demotes silent workers.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/observability"
	"github.com/itskum47/flotilla/protocol"
	"github.com/itskum47/flotilla/store"
)

// Config holds the sweeper timings.
type Config struct {
	// HealthCheckInterval is the sweeper period.
	HealthCheckInterval time.Duration
	// WorkerTimeout is how stale a heartbeat may be before a worker is
	// marked unresponsive.
	WorkerTimeout time.Duration
	// OfflineGrace is how long a worker stays unresponsive before it is
	// marked offline.
	OfflineGrace time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 10 * time.Second,
		WorkerTimeout:       30 * time.Second,
		OfflineGrace:        5 * time.Minute,
	}
}

// TaskReclaimer re-queues the tasks owned by a dead worker. Implemented by
// the dispatcher; injected to avoid a package cycle.
type TaskReclaimer interface {
	ReassignWorkerTasks(ctx context.Context, workerID string)
}

// Registry reconciles worker state. All mutations are idempotent upserts so
// duplicate bus deliveries collapse.
type Registry struct {
	store store.Store
	cache cache.Cache
	cfg   Config
	log   zerolog.Logger

	reclaimer TaskReclaimer

	// Per-worker heartbeat limiters; excess heartbeats only refresh the
	// cache TTL instead of hitting the store.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Registry. The reclaimer may be set later with SetReclaimer.
func New(s store.Store, c cache.Cache, cfg Config, log zerolog.Logger) *Registry {
	if cfg.HealthCheckInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		store:    s,
		cache:    c,
		cfg:      cfg,
		log:      log.With().Str("component", "registry").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetReclaimer wires the dispatcher in after construction.
func (r *Registry) SetReclaimer(tr TaskReclaimer) { r.reclaimer = tr }

// ApplyRegistration upserts the worker with status idle and refreshes the
// cache projection. Applying the same registration twice is indistinguishable
// from applying it once.
func (r *Registry) ApplyRegistration(ctx context.Context, reg *protocol.Registration) (*store.Worker, error) {
	now := time.Now()
	w := &store.Worker{
		WorkerID:      reg.WorkerID,
		Hostname:      reg.Hostname,
		Status:        protocol.WorkerIdle,
		Tags:          reg.Tags,
		Capabilities:  reg.Capabilities,
		SystemInfo:    reg.SystemInfo,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Metadata:      reg.Metadata,
	}
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return nil, err
	}
	r.project(ctx, w)

	if err := r.store.InsertEvent(ctx, &store.EventRecord{
		WorkerID:  reg.WorkerID,
		EventType: protocol.EventRegistered,
		Data:      map[string]any{"hostname": reg.Hostname, "max_concurrent_tasks": reg.Capabilities.MaxConcurrentTasks},
		Timestamp: now,
	}); err != nil {
		r.log.Warn().Err(err).Str("worker", reg.WorkerID).Msg("record registration event")
	}

	r.log.Info().Str("worker", reg.WorkerID).Str("hostname", reg.Hostname).
		Int("max_tasks", reg.Capabilities.MaxConcurrentTasks).Msg("worker registered")
	return w, nil
}

func (r *Registry) heartbeatAllowed(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[workerID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(2*time.Second), 3)
		r.limiters[workerID] = lim
	}
	return lim.Allow()
}

// ApplyHeartbeat refreshes liveness. Throttled heartbeats still extend the
// cache TTL so the worker does not flap.
func (r *Registry) ApplyHeartbeat(ctx context.Context, hb *protocol.Heartbeat) error {
	at := hb.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	if !r.heartbeatAllowed(hb.WorkerID) {
		observability.HeartbeatsReceived.WithLabelValues("throttled").Inc()
		if err := r.cache.Expire(ctx, cache.WorkerKey(hb.WorkerID), cache.WorkerTTL); err != nil {
			r.log.Debug().Err(err).Str("worker", hb.WorkerID).Msg("refresh heartbeat ttl")
		}
		return nil
	}

	if err := r.store.UpdateWorkerHeartbeat(ctx, hb.WorkerID, at); err != nil {
		observability.HeartbeatsReceived.WithLabelValues("failed").Inc()
		return err
	}

	status := hb.Status
	if status == "" {
		status = protocol.WorkerIdle
	}
	// A heartbeat from an unresponsive worker resurrects it.
	if w, err := r.store.GetWorker(ctx, hb.WorkerID); err == nil && w != nil {
		if w.Status == protocol.WorkerUnresponsive || w.Status == protocol.WorkerOffline || w.Status != status {
			if err := r.store.UpdateWorkerStatus(ctx, hb.WorkerID, status, at); err != nil {
				r.log.Warn().Err(err).Str("worker", hb.WorkerID).Msg("update status from heartbeat")
			}
		}
		w.Status = status
		w.LastHeartbeat = at
		w.SystemInfo = hb.SystemInfo
		r.project(ctx, w)
	}

	observability.HeartbeatsReceived.WithLabelValues("applied").Inc()
	return nil
}

// ApplyStatus records a status transition from a known-good source (command
// result, completion handling, graceful unregister).
func (r *Registry) ApplyStatus(ctx context.Context, workerID string, status protocol.WorkerStatus) error {
	now := time.Now()
	if err := r.store.UpdateWorkerStatus(ctx, workerID, status, now); err != nil {
		return err
	}
	if w, err := r.store.GetWorker(ctx, workerID); err == nil && w != nil {
		r.project(ctx, w)
	}
	return nil
}

// project writes the cache view of a worker: JSON blob with a short TTL and
// membership in the active set.
func (r *Registry) project(ctx context.Context, w *store.Worker) {
	blob, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cache.WorkerKey(w.WorkerID), string(blob), cache.WorkerTTL); err != nil {
		r.log.Debug().Err(err).Str("worker", w.WorkerID).Msg("cache worker blob")
	}
	switch w.Status {
	case protocol.WorkerIdle, protocol.WorkerBusy, protocol.WorkerInitializing:
		if err := r.cache.SAdd(ctx, cache.KeyActiveWorkers, w.WorkerID); err != nil {
			r.log.Debug().Err(err).Msg("cache active set add")
		}
	default:
		if err := r.cache.SRem(ctx, cache.KeyActiveWorkers, w.WorkerID); err != nil {
			r.log.Debug().Err(err).Msg("cache active set remove")
		}
	}
}

// GetWorker returns the merged view of one worker: the cache copy wins when
// its timestamps are fresher, and last_heartbeat always prefers the later
// value.
func (r *Registry) GetWorker(ctx context.Context, workerID string) (*store.Worker, error) {
	durable, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	cached := r.cachedWorker(ctx, workerID)
	return mergeWorker(durable, cached), nil
}

// ListWorkers returns the merged fleet view, optionally filtered by status
// and annotated with current load.
func (r *Registry) ListWorkers(ctx context.Context, statusFilter protocol.WorkerStatus, withLoad bool) ([]*store.Worker, error) {
	durable, err := r.store.ListWorkers(ctx, "")
	if err != nil {
		return nil, err
	}

	var out []*store.Worker
	for _, w := range durable {
		merged := mergeWorker(w, r.cachedWorker(ctx, w.WorkerID))
		if statusFilter != "" && merged.Status != statusFilter {
			continue
		}
		if withLoad {
			if active, err := r.store.ListActiveTasksByWorker(ctx, w.WorkerID); err == nil {
				merged.CurrentLoad = len(active)
			}
		}
		out = append(out, merged)
	}
	return out, nil
}

func (r *Registry) cachedWorker(ctx context.Context, workerID string) *store.Worker {
	blob, err := r.cache.Get(ctx, cache.WorkerKey(workerID))
	if err != nil || blob == "" {
		return nil
	}
	var w store.Worker
	if err := json.Unmarshal([]byte(blob), &w); err != nil {
		return nil
	}
	return &w
}

func mergeWorker(durable, cached *store.Worker) *store.Worker {
	switch {
	case durable == nil:
		return cached
	case cached == nil:
		return durable
	}
	out := durable
	if cached.UpdatedAt.After(durable.UpdatedAt) {
		out = cached
	}
	cp := *out
	if cached.LastHeartbeat.After(cp.LastHeartbeat) {
		cp.LastHeartbeat = cached.LastHeartbeat
	}
	if durable.LastHeartbeat.After(cp.LastHeartbeat) {
		cp.LastHeartbeat = durable.LastHeartbeat
	}
	return &cp
}

// Start launches the liveness sweeper.
func (r *Registry) Start(ctx context.Context) {
	go r.sweep(ctx)
}

func (r *Registry) sweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.cfg.HealthCheckInterval).
		Dur("worker_timeout", r.cfg.WorkerTimeout).Msg("liveness sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	workers, err := r.ListWorkers(ctx, "", false)
	if err != nil {
		r.log.Warn().Err(err).Msg("sweeper list workers")
		return
	}

	now := time.Now()
	live := 0
	for _, w := range workers {
		stale := now.Sub(w.LastHeartbeat)
		switch w.Status {
		case protocol.WorkerIdle, protocol.WorkerBusy, protocol.WorkerInitializing:
			if stale <= r.cfg.WorkerTimeout {
				live++
				continue
			}
			r.log.Warn().Str("worker", w.WorkerID).Dur("stale", stale).Msg("worker unresponsive")
			r.transition(ctx, w, protocol.WorkerUnresponsive, now)
			observability.WorkersSwept.WithLabelValues("unresponsive").Inc()
			if r.reclaimer != nil {
				r.reclaimer.ReassignWorkerTasks(ctx, w.WorkerID)
			}
		case protocol.WorkerUnresponsive:
			if stale > r.cfg.WorkerTimeout+r.cfg.OfflineGrace {
				r.log.Info().Str("worker", w.WorkerID).Msg("worker offline")
				r.transition(ctx, w, protocol.WorkerOffline, now)
				observability.WorkersSwept.WithLabelValues("offline").Inc()
			}
		}
	}
	observability.ConnectedWorkers.Set(float64(live))
}

func (r *Registry) transition(ctx context.Context, w *store.Worker, to protocol.WorkerStatus, at time.Time) {
	if err := r.store.UpdateWorkerStatus(ctx, w.WorkerID, to, at); err != nil {
		r.log.Warn().Err(err).Str("worker", w.WorkerID).Msg("sweeper status update")
		return
	}
	w.Status = to
	w.UpdatedAt = at
	r.project(ctx, w)
	if err := r.store.InsertEvent(ctx, &store.EventRecord{
		WorkerID:  w.WorkerID,
		EventType: protocol.EventStatusChange,
		Data:      map[string]any{"to": string(to), "by": "sweeper"},
		Timestamp: at,
	}); err != nil {
		r.log.Debug().Err(err).Msg("record sweep event")
	}
}
