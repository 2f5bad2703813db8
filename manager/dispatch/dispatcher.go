// Package dispatch assigns tasks to workers: candidate selection, optimistic
// dispatch with an ack deadline, a priority-ordered pending queue, and
// reassignment when a worker dies.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/flotilla/bus"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/manager/registry"
	"github.com/itskum47/flotilla/observability"
	"github.com/itskum47/flotilla/protocol"
	"github.com/itskum47/flotilla/store"
)

// ErrNoTask is returned by targeted dispatch when the pending queue is empty.
var ErrNoTask = errors.New("no pending task")

// Config holds dispatcher tunables.
type Config struct {
	// AckDeadline is how long to wait for the worker to confirm an
	// assignment before re-queueing it.
	AckDeadline time.Duration
	// RetryLimit bounds re-dispatch attempts before a task fails terminally.
	RetryLimit int
	// PollInterval is the pending-queue drain period.
	PollInterval time.Duration
	// DefaultTimeout applies when a task carries no explicit deadline.
	DefaultTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AckDeadline:    15 * time.Second,
		RetryLimit:     3,
		PollInterval:   time.Second,
		DefaultTimeout: 5 * time.Minute,
	}
}

// Request is the operator's task-creation input.
type Request struct {
	Description  string
	Priority     protocol.Priority
	WorkerID     string // explicit target, optional
	RequiredTags []string
	TimeoutMS    int64
	SessionID    string
	Broadcast    bool
}

// Dispatcher owns the pending queue and the dispatch state machine.
type Dispatcher struct {
	store store.Store
	cache cache.Cache
	bus   bus.Bus
	reg   *registry.Registry
	cfg   Config
	log   zerolog.Logger

	pending *pendingQueue

	// acks maps task_id to the timer that fires when no confirmation
	// arrived in time. Never held across a bus or store call.
	mu      sync.Mutex
	acks    map[string]*time.Timer
	waiting map[string]time.Time // workers that asked for next work
}

// New builds a Dispatcher.
func New(s store.Store, c cache.Cache, b bus.Bus, reg *registry.Registry, cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.AckDeadline <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		store:   s,
		cache:   c,
		bus:     b,
		reg:     reg,
		cfg:     cfg,
		log:     log.With().Str("component", "dispatcher").Logger(),
		pending: newPendingQueue(),
		acks:    make(map[string]*time.Timer),
		waiting: make(map[string]time.Time),
	}
}

var _ registry.TaskReclaimer = (*Dispatcher)(nil)

// Start reloads pending tasks from the store and launches the drain loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.recoverPending(ctx)
	go d.drainLoop(ctx)
}

// recoverPending reloads tasks left pending by the previous process so a
// restart does not strand them in the store.
func (d *Dispatcher) recoverPending(ctx context.Context) {
	tasks, err := d.store.ListTasksByStatus(ctx, protocol.TaskPending, 1000)
	if err != nil {
		d.log.Warn().Err(err).Msg("reload pending tasks")
		return
	}
	for _, task := range tasks {
		d.enqueue(&pendingTask{
			TaskID:      task.TaskID,
			Priority:    task.Priority,
			TimeoutMS:   task.TimeoutMS,
			SessionID:   task.SessionID,
			Description: task.Description,
			Attempt:     task.RetryCount,
		})
	}
	if len(tasks) > 0 {
		d.log.Info().Int("tasks", len(tasks)).Msg("reloaded pending tasks")
	}
}

// Submit creates the task record and either dispatches it immediately or
// parks it in the pending queue. Returns the task id and the assigned worker
// id ("" when queued or broadcast).
func (d *Dispatcher) Submit(ctx context.Context, req Request) (string, string, error) {
	if req.Priority == "" {
		req.Priority = protocol.PriorityNormal
	}
	if req.TimeoutMS <= 0 {
		req.TimeoutMS = d.cfg.DefaultTimeout.Milliseconds()
	}

	task := &store.Task{
		TaskID:      uuid.NewString(),
		Description: req.Description,
		Status:      protocol.TaskPending,
		Priority:    req.Priority,
		SessionID:   req.SessionID,
		TimeoutMS:   req.TimeoutMS,
		CreatedAt:   time.Now(),
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return "", "", err
	}

	if req.Broadcast {
		if err := d.publishBroadcast(ctx, task); err != nil {
			return "", "", err
		}
		return task.TaskID, "", nil
	}

	item := &pendingTask{
		TaskID:       task.TaskID,
		Priority:     task.Priority,
		RequiredTags: req.RequiredTags,
		TimeoutMS:    task.TimeoutMS,
		SessionID:    task.SessionID,
		Description:  task.Description,
	}

	if req.WorkerID != "" {
		if err := d.dispatchTo(ctx, item, req.WorkerID); err != nil {
			d.enqueue(item)
			return task.TaskID, "", nil
		}
		return task.TaskID, req.WorkerID, nil
	}

	workerID, err := d.tryDispatch(ctx, item)
	if err != nil {
		d.enqueue(item)
		return task.TaskID, "", nil
	}
	return task.TaskID, workerID, nil
}

// DispatchToWaiting pops the best pending task for a specific worker, used
// for next-task requests and the assign_task_to_waiting_worker tool.
func (d *Dispatcher) DispatchToWaiting(ctx context.Context, workerID string, req *Request) (string, error) {
	if req != nil {
		// Operator handed us fresh work for this worker.
		taskID, _, err := d.Submit(ctx, Request{
			Description: req.Description,
			Priority:    req.Priority,
			WorkerID:    workerID,
			TimeoutMS:   req.TimeoutMS,
			SessionID:   req.SessionID,
		})
		return taskID, err
	}

	for {
		item := d.pending.Pop()
		if item == nil {
			d.markWaiting(workerID)
			return "", ErrNoTask
		}
		if err := d.dispatchTo(ctx, item, workerID); err != nil {
			if errors.Is(err, fault.ErrConflict) {
				// The task moved on since it was queued; drop the
				// stale entry and keep looking.
				d.log.Debug().Str("task", item.TaskID).Msg("dropping stale queue entry")
				continue
			}
			d.enqueue(item)
			return "", err
		}
		return item.TaskID, nil
	}
}

func (d *Dispatcher) markWaiting(workerID string) {
	d.mu.Lock()
	d.waiting[workerID] = time.Now()
	d.mu.Unlock()
}

func (d *Dispatcher) clearWaiting(workerID string) {
	d.mu.Lock()
	delete(d.waiting, workerID)
	d.mu.Unlock()
}

func (d *Dispatcher) isWaiting(workerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.waiting[workerID]
	return ok
}

func (d *Dispatcher) enqueue(item *pendingTask) {
	d.pending.Push(item)
	observability.TaskQueueDepth.Set(float64(d.pending.Len()))
}

func (d *Dispatcher) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
			observability.TaskQueueDepth.Set(float64(d.pending.Len()))
		}
	}
}

// drainOnce walks the whole queue each tick. Items with no eligible worker
// are held aside so an unsatisfiable head entry cannot starve the rest;
// items whose task moved on since enqueueing are dropped.
func (d *Dispatcher) drainOnce(ctx context.Context) {
	var parked []*pendingTask
	for {
		item := d.pending.Pop()
		if item == nil {
			break
		}
		_, err := d.tryDispatch(ctx, item)
		switch {
		case err == nil:
		case errors.Is(err, fault.ErrConflict):
			d.log.Debug().Str("task", item.TaskID).Msg("dropping stale queue entry")
		default:
			parked = append(parked, item)
		}
	}
	for _, item := range parked {
		d.enqueue(item)
	}
}

// tryDispatch selects a worker and dispatches. Selection: idle workers whose
// tags satisfy the requirement and whose load is under capacity; lowest load
// first, waiting workers preferred, then most recent heartbeat.
func (d *Dispatcher) tryDispatch(ctx context.Context, item *pendingTask) (string, error) {
	candidates, err := d.reg.ListWorkers(ctx, protocol.WorkerIdle, true)
	if err != nil {
		return "", err
	}

	var eligible []*store.Worker
	for _, w := range candidates {
		if w.CurrentLoad >= w.Capabilities.MaxConcurrentTasks {
			continue
		}
		if !hasTags(w, item.RequiredTags) {
			continue
		}
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return "", fault.ErrUnavailable
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CurrentLoad != eligible[j].CurrentLoad {
			return eligible[i].CurrentLoad < eligible[j].CurrentLoad
		}
		wi, wj := d.isWaiting(eligible[i].WorkerID), d.isWaiting(eligible[j].WorkerID)
		if wi != wj {
			return wi
		}
		return eligible[i].LastHeartbeat.After(eligible[j].LastHeartbeat)
	})

	workerID := eligible[0].WorkerID
	if err := d.dispatchTo(ctx, item, workerID); err != nil {
		return "", err
	}
	return workerID, nil
}

func hasTags(w *store.Worker, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Tags)+len(w.Capabilities.FeatureTags))
	for _, t := range w.Tags {
		have[t] = struct{}{}
	}
	for _, t := range w.Capabilities.FeatureTags {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// dispatchTo records the optimistic assignment and publishes it.
func (d *Dispatcher) dispatchTo(ctx context.Context, item *pendingTask, workerID string) error {
	now := time.Now()
	item.Attempt++

	if err := d.store.MarkTaskAssigned(ctx, item.TaskID, workerID, item.Attempt-1, now); err != nil {
		return err
	}

	// Ownership lease, sized to outlive the task's own deadline.
	ttl := cache.ClaimTTL(time.Duration(item.TimeoutMS) * time.Millisecond)
	if _, err := d.cache.SetNX(ctx, cache.TaskClaimKey(item.TaskID), workerID, ttl); err != nil {
		d.log.Debug().Err(err).Str("task", item.TaskID).Msg("write claim lease")
	}

	// Optimistic: the worker is busy until proven otherwise.
	if err := d.reg.ApplyStatus(ctx, workerID, protocol.WorkerBusy); err != nil {
		d.log.Debug().Err(err).Str("worker", workerID).Msg("preemptive busy")
	}
	d.clearWaiting(workerID)
	if err := d.cache.HDel(ctx, cache.KeyNextTaskRequests, workerID); err != nil {
		d.log.Debug().Err(err).Str("worker", workerID).Msg("clear next-task mirror")
	}

	payload, err := protocol.Encode(protocol.KindAssignment, protocol.Assignment{
		TaskID:      item.TaskID,
		Description: item.Description,
		Priority:    item.Priority,
		TimeoutMS:   item.TimeoutMS,
		SessionID:   item.SessionID,
		Attempt:     item.Attempt - 1,
		AssignedAt:  now,
	})
	if err != nil {
		return err
	}
	if err := d.bus.Publish(protocol.TaskSubject(workerID), payload); err != nil {
		observability.TasksDispatched.WithLabelValues("failed").Inc()
		return err
	}
	observability.TasksDispatched.WithLabelValues("published").Inc()

	if err := d.store.InsertEvent(ctx, &store.EventRecord{
		WorkerID:  workerID,
		EventType: protocol.EventTaskAssigned,
		TaskID:    item.TaskID,
		Data:      map[string]any{"attempt": item.Attempt - 1, "priority": string(item.Priority)},
		Timestamp: now,
	}); err != nil {
		d.log.Debug().Err(err).Msg("record assignment event")
	}

	d.armAck(item, workerID)
	d.log.Info().Str("task", item.TaskID).Str("worker", workerID).
		Int("attempt", item.Attempt-1).Msg("task dispatched")
	return nil
}

func (d *Dispatcher) publishBroadcast(ctx context.Context, task *store.Task) error {
	payload, err := protocol.Encode(protocol.KindAssignment, protocol.Assignment{
		TaskID:      task.TaskID,
		Description: task.Description,
		Priority:    task.Priority,
		TimeoutMS:   task.TimeoutMS,
		SessionID:   task.SessionID,
		Broadcast:   true,
		AssignedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	if err := d.bus.Publish(protocol.SubjectBroadcastAll, payload); err != nil {
		return err
	}
	d.armBroadcastAck(task)
	d.log.Info().Str("task", task.TaskID).Msg("task broadcast for claiming")
	return nil
}

// armBroadcastAck schedules the fallback for an unclaimed broadcast. The
// claim winner's task_started (or any progress) cancels it through Confirm;
// otherwise the task joins the pending queue for direct dispatch.
func (d *Dispatcher) armBroadcastAck(task *store.Task) {
	timer := time.AfterFunc(d.cfg.AckDeadline, func() {
		d.mu.Lock()
		delete(d.acks, task.TaskID)
		d.mu.Unlock()

		ctx := context.Background()
		cur, err := d.store.GetTask(ctx, task.TaskID)
		if err != nil || cur == nil {
			return
		}
		// A claimed broadcast shows up as running with an adopted worker.
		if cur.Status != protocol.TaskPending || cur.AssignedWorker != "" {
			return
		}
		d.log.Warn().Str("task", task.TaskID).Msg("broadcast unclaimed, queueing for direct dispatch")
		observability.TasksDispatched.WithLabelValues("requeued").Inc()
		d.enqueue(&pendingTask{
			TaskID:      task.TaskID,
			Priority:    task.Priority,
			TimeoutMS:   task.TimeoutMS,
			SessionID:   task.SessionID,
			Description: task.Description,
			Attempt:     task.RetryCount,
		})
	})

	d.mu.Lock()
	if old, ok := d.acks[task.TaskID]; ok {
		old.Stop()
	}
	d.acks[task.TaskID] = timer
	d.mu.Unlock()
}

// armAck schedules the no-confirmation requeue.
func (d *Dispatcher) armAck(item *pendingTask, workerID string) {
	cp := *item
	timer := time.AfterFunc(d.cfg.AckDeadline, func() {
		d.mu.Lock()
		delete(d.acks, cp.TaskID)
		d.mu.Unlock()
		d.log.Warn().Str("task", cp.TaskID).Str("worker", workerID).Msg("dispatch not confirmed, requeueing")
		d.requeue(context.Background(), &cp, workerID)
	})

	d.mu.Lock()
	if old, ok := d.acks[item.TaskID]; ok {
		old.Stop()
	}
	d.acks[item.TaskID] = timer
	d.mu.Unlock()
}

// Confirm cancels the ack deadline; called when the worker reports the task
// running (or any progress).
func (d *Dispatcher) Confirm(taskID string) {
	d.mu.Lock()
	if timer, ok := d.acks[taskID]; ok {
		timer.Stop()
		delete(d.acks, taskID)
	}
	d.mu.Unlock()
	// A confirmation also clears any stale queue entry, such as a broadcast
	// queued for direct dispatch just as a worker claimed it.
	if d.pending.Remove(taskID) {
		observability.TaskQueueDepth.Set(float64(d.pending.Len()))
	}
}

// HandleRejection re-queues a task the worker refused.
func (d *Dispatcher) HandleRejection(ctx context.Context, rej *protocol.Rejection) {
	d.Confirm(rej.TaskID)
	observability.TasksDispatched.WithLabelValues("rejected").Inc()
	d.log.Info().Str("task", rej.TaskID).Str("worker", rej.WorkerID).
		Str("reason", rej.Reason).Msg("task rejected")

	task, err := d.store.GetTask(ctx, rej.TaskID)
	if err != nil || task == nil {
		return
	}
	item := &pendingTask{
		TaskID:      task.TaskID,
		Priority:    task.Priority,
		TimeoutMS:   task.TimeoutMS,
		SessionID:   task.SessionID,
		Description: task.Description,
		Attempt:     task.RetryCount,
	}
	d.requeue(ctx, item, rej.WorkerID)
}

// requeue moves a task back to pending (CAS on assigned_worker) and either
// re-enqueues it or fails it terminally once the retry budget is gone.
func (d *Dispatcher) requeue(ctx context.Context, item *pendingTask, fromWorker string) {
	if err := d.store.RequeueTask(ctx, item.TaskID, fromWorker); err != nil {
		// The task moved on (completed, or another dispatch owns it).
		d.log.Debug().Err(err).Str("task", item.TaskID).Msg("requeue skipped")
		return
	}
	if err := d.cache.Del(ctx, cache.TaskClaimKey(item.TaskID)); err != nil {
		d.log.Debug().Err(err).Msg("release claim lease")
	}
	observability.TaskRetries.Inc()

	task, err := d.store.GetTask(ctx, item.TaskID)
	if err != nil || task == nil {
		return
	}
	if task.RetryCount >= d.cfg.RetryLimit {
		if err := d.store.FailTask(ctx, item.TaskID, protocol.ReasonWorkerLost, time.Now()); err != nil {
			d.log.Warn().Err(err).Str("task", item.TaskID).Msg("terminal fail")
			return
		}
		observability.TasksCompleted.WithLabelValues(string(protocol.TaskFailed)).Inc()
		d.log.Warn().Str("task", item.TaskID).Int("retries", task.RetryCount).Msg("retry budget exhausted")
		return
	}

	item.Attempt = task.RetryCount
	observability.TasksDispatched.WithLabelValues("requeued").Inc()
	d.enqueue(item)
}

// ReassignWorkerTasks re-queues everything a dead worker owned. Tasks that
// completed in the race keep their completion; the CAS in RequeueTask makes
// the two outcomes mutually exclusive.
func (d *Dispatcher) ReassignWorkerTasks(ctx context.Context, workerID string) {
	tasks, err := d.store.ListActiveTasksByWorker(ctx, workerID)
	if err != nil {
		d.log.Warn().Err(err).Str("worker", workerID).Msg("list tasks for reassignment")
		return
	}
	for _, task := range tasks {
		d.Confirm(task.TaskID)
		d.requeue(ctx, &pendingTask{
			TaskID:      task.TaskID,
			Priority:    task.Priority,
			TimeoutMS:   task.TimeoutMS,
			SessionID:   task.SessionID,
			Description: task.Description,
			Attempt:     task.RetryCount,
		}, workerID)
	}
	if len(tasks) > 0 {
		d.log.Info().Str("worker", workerID).Int("tasks", len(tasks)).Msg("reassigned tasks from dead worker")
	}
}

// QueueDepth reports the pending queue size.
func (d *Dispatcher) QueueDepth() int { return d.pending.Len() }

// Shutdown stops all ack timers.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, timer := range d.acks {
		timer.Stop()
		delete(d.acks, id)
	}
}
