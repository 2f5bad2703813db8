package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/flotilla/bus"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/protocol"
)

// Worker is the node-side event loop.
type Worker struct {
	cfg   Config
	bus   bus.Bus
	cache cache.Cache // nil in degraded mode
	log   zerolog.Logger

	sessionID string

	mu     sync.Mutex
	active map[string]*taskRun
	paused bool
	status protocol.WorkerStatus

	subs []bus.Subscription
	wg   sync.WaitGroup
}

// New builds a Worker. cache may be nil; the worker then skips claim-lease
// and projection writes and relies on the manager's view.
func New(cfg Config, b bus.Bus, c cache.Cache, log zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		bus:    b,
		cache:  c,
		log:    log.With().Str("worker", cfg.WorkerID).Logger(),
		active: make(map[string]*taskRun),
		status: protocol.WorkerInitializing,
	}
}

// Run registers, subscribes, and blocks until ctx is cancelled, then drains.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	if err := w.subscribe(); err != nil {
		return err
	}
	w.setStatus(protocol.WorkerIdle)
	go w.heartbeatLoop(ctx)
	w.log.Info().Str("session", w.sessionID).Int("capacity", w.cfg.MaxConcurrentTasks).Msg("worker online")

	<-ctx.Done()
	w.shutdown()
	return nil
}

// register announces the worker, retrying with backoff until the manager
// acknowledges. The ack carries this run's session id.
func (w *Worker) register(ctx context.Context) error {
	payload, err := protocol.Encode(protocol.KindRegistration, protocol.Registration{
		WorkerID:     w.cfg.WorkerID,
		Hostname:     w.cfg.SystemInfo().Hostname,
		Tags:         w.cfg.Tags,
		Capabilities: w.cfg.Capabilities(),
		SystemInfo:   w.cfg.SystemInfo(),
	})
	if err != nil {
		return err
	}

	return fault.Retry(ctx, fault.DefaultRetry, func() error {
		raw, err := w.bus.Request(ctx, protocol.SubjectRegister, payload, w.cfg.RegisterTimeout)
		if err != nil {
			w.log.Warn().Err(err).Msg("registration attempt failed")
			return fault.ErrUnavailable
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			return fault.ErrUnavailable
		}
		ack, err := protocol.Decode[protocol.Ack](env)
		if err != nil || !ack.OK {
			w.log.Warn().Msg("registration rejected, retrying")
			return fault.ErrUnavailable
		}
		w.sessionID = ack.Note
		return nil
	})
}

func (w *Worker) subscribe() error {
	routes := []struct {
		subject string
		handler bus.Handler
	}{
		{protocol.TaskSubject(w.cfg.WorkerID), w.onAssignment},
		{protocol.SubjectBroadcastAll, w.onBroadcast},
		{protocol.BroadcastSubject(w.cfg.WorkerID), w.onBroadcast},
		{protocol.CommandSubject(w.cfg.WorkerID), w.onCommand},
	}
	for _, r := range routes {
		sub, err := w.bus.Subscribe(r.subject, r.handler)
		if err != nil {
			return err
		}
		w.subs = append(w.subs, sub)
	}
	return nil
}

// onAssignment handles a direct task assignment.
func (w *Worker) onAssignment(msg bus.Message) {
	env, err := protocol.DecodeEnvelope(msg.Data)
	if err != nil {
		w.log.Warn().Err(err).Msg("malformed assignment")
		return
	}
	assign, err := protocol.Decode[protocol.Assignment](env)
	if err != nil {
		w.log.Warn().Err(err).Msg("invalid assignment")
		return
	}
	w.accept(assign, false)
}

// onBroadcast handles both broadcast task assignments and operator messages.
func (w *Worker) onBroadcast(msg bus.Message) {
	env, err := protocol.DecodeEnvelope(msg.Data)
	if err != nil {
		return
	}
	switch env.Kind {
	case protocol.KindAssignment:
		assign, err := protocol.Decode[protocol.Assignment](env)
		if err != nil {
			return
		}
		w.accept(assign, true)
	case protocol.KindBroadcast:
		b, err := protocol.Decode[protocol.Broadcast](env)
		if err != nil {
			return
		}
		w.log.Info().Str("from", b.From).Str("message", b.Message).Msg("operator broadcast")
	}
}

// accept applies the capacity gate and, for broadcast tasks, the claim race,
// then launches the task.
func (w *Worker) accept(assign *protocol.Assignment, broadcast bool) {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		w.reject(assign.TaskID, protocol.ReasonPaused)
		return
	}
	if len(w.active) >= w.cfg.MaxConcurrentTasks {
		w.mu.Unlock()
		if !broadcast {
			w.reject(assign.TaskID, protocol.ReasonQueueFull)
		}
		return
	}
	// Reserve the slot before the claim race so a win is never dropped.
	if _, dup := w.active[assign.TaskID]; dup {
		w.mu.Unlock()
		return
	}
	run := newTaskRun(w, assign)
	w.active[assign.TaskID] = run
	w.mu.Unlock()

	if broadcast && !w.claim(assign) {
		w.release(assign.TaskID)
		return
	}

	w.setStatus(protocol.WorkerBusy)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		status := run.execute(context.Background())
		// Free the slot before asking for more work, or a capacity-1
		// worker gets its own request bounced as queue_full.
		w.release(assign.TaskID)
		if status == protocol.TaskCompleted {
			w.askNextTask(context.Background(), assign.TaskID)
		}
	}()
}

// claim races for the broadcast task's ownership lease.
func (w *Worker) claim(assign *protocol.Assignment) bool {
	if w.cache == nil {
		// Degraded workers cannot arbitrate claims; let cached peers win.
		w.log.Debug().Str("task", assign.TaskID).Msg("no cache, skipping broadcast claim")
		return false
	}
	ttl := cache.ClaimTTL(time.Duration(assign.TimeoutMS) * time.Millisecond)
	won, err := w.cache.SetNX(context.Background(), cache.TaskClaimKey(assign.TaskID), w.cfg.WorkerID, ttl)
	if err != nil {
		w.log.Warn().Err(err).Str("task", assign.TaskID).Msg("claim attempt failed")
		return false
	}
	if !won {
		w.log.Debug().Str("task", assign.TaskID).Msg("lost broadcast claim")
	}
	return won
}

func (w *Worker) release(taskID string) {
	w.mu.Lock()
	delete(w.active, taskID)
	idle := len(w.active) == 0
	w.mu.Unlock()
	if idle {
		w.setStatus(protocol.WorkerIdle)
	}
}

func (w *Worker) reject(taskID, reason string) {
	payload, err := protocol.Encode(protocol.KindRejection, protocol.Rejection{
		TaskID:   taskID,
		WorkerID: w.cfg.WorkerID,
		Reason:   reason,
	})
	if err != nil {
		return
	}
	if err := w.bus.Publish(protocol.RejectionSubject(taskID), payload); err != nil {
		w.log.Warn().Err(err).Str("task", taskID).Msg("publish rejection")
	}
	w.log.Info().Str("task", taskID).Str("reason", reason).Msg("task rejected")
}

// onCommand handles operator control commands.
func (w *Worker) onCommand(msg bus.Message) {
	env, err := protocol.DecodeEnvelope(msg.Data)
	if err != nil {
		return
	}
	cmd, err := protocol.Decode[protocol.Command](env)
	if err != nil {
		return
	}

	result := protocol.CommandResult{WorkerID: w.cfg.WorkerID, Command: cmd.Name, OK: true}
	switch cmd.Name {
	case protocol.CommandPause:
		w.mu.Lock()
		w.paused = true
		w.mu.Unlock()
		result.Detail = "paused, new assignments rejected"
	case protocol.CommandResume:
		w.mu.Lock()
		w.paused = false
		w.mu.Unlock()
		result.Detail = "resumed"
	case protocol.CommandStop:
		w.mu.Lock()
		runs := make([]*taskRun, 0, len(w.active))
		for _, r := range w.active {
			runs = append(runs, r)
		}
		w.mu.Unlock()
		for _, r := range runs {
			r.stop()
		}
		result.Detail = "stopping " + strconv.Itoa(len(runs)) + " active tasks"
	case protocol.CommandClearQueue:
		// The worker holds no queue of its own; pending work lives in the
		// manager. Accepted for symmetry.
		result.Detail = "no local queue"
	case protocol.CommandStatus:
		w.mu.Lock()
		result.Status = string(w.status)
		for id := range w.active {
			result.ActiveTasks = append(result.ActiveTasks, id)
		}
		w.mu.Unlock()
	case protocol.CommandUpdateConfig:
		if v, ok := cmd.Args["max_concurrent_tasks"]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				w.mu.Lock()
				w.cfg.MaxConcurrentTasks = n
				w.mu.Unlock()
				result.Detail = "max_concurrent_tasks=" + v
			} else {
				result.OK = false
				result.Detail = "bad max_concurrent_tasks"
			}
		}
	default:
		result.OK = false
		result.Detail = "unknown command"
	}

	w.log.Info().Str("command", cmd.Name).Bool("ok", result.OK).Msg("command handled")
	if msg.Reply != "" {
		if payload, err := protocol.Encode(protocol.KindCommandResult, result); err == nil {
			if err := w.bus.Publish(msg.Reply, payload); err != nil {
				w.log.Warn().Err(err).Msg("publish command result")
			}
		}
	}
}

func (w *Worker) setStatus(status protocol.WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// Status reports the current lifecycle state.
func (w *Worker) Status() protocol.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// ActiveTasks reports the ids of tasks currently executing.
func (w *Worker) ActiveTasks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.active))
	for id := range w.active {
		out = append(out, id)
	}
	return out
}

// askNextTask asks the manager for more work after a completion. The reply
// is informational; an actual assignment arrives on the task subject.
func (w *Worker) askNextTask(ctx context.Context, completedTaskID string) {
	payload, err := protocol.Encode(protocol.KindNextTask, protocol.NextTaskRequest{
		WorkerID:        w.cfg.WorkerID,
		SessionID:       w.sessionID,
		CompletedTaskID: completedTaskID,
	})
	if err != nil {
		return
	}
	raw, err := w.bus.Request(ctx, protocol.NextTaskSubject(w.cfg.WorkerID), payload, 5*time.Second)
	if err != nil {
		w.log.Debug().Err(err).Msg("next-task request failed")
		return
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return
	}
	if ack, err := protocol.Decode[protocol.Ack](env); err == nil {
		w.log.Debug().Str("outcome", ack.Status).Msg("next-task reply")
	}
}

// RequestSessionEnd proposes closing the session and blocks for the
// decision.
func (w *Worker) RequestSessionEnd(ctx context.Context, reason string) (*protocol.EndSessionDecision, error) {
	payload, err := protocol.Encode(protocol.KindEndSession, protocol.EndSessionRequest{
		WorkerID:  w.cfg.WorkerID,
		SessionID: w.sessionID,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}
	raw, err := w.bus.Request(ctx, protocol.EndSessionSubject(w.cfg.WorkerID), payload, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return protocol.Decode[protocol.EndSessionDecision](env)
}

// shutdown drains active tasks within the drain budget, then tears down.
func (w *Worker) shutdown() {
	w.log.Info().Msg("draining")
	w.mu.Lock()
	w.paused = true
	runs := make([]*taskRun, 0, len(w.active))
	for _, r := range w.active {
		runs = append(runs, r)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.log.Warn().Msg("drain deadline, stopping remaining tasks")
		for _, r := range runs {
			r.stop()
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}

	for _, sub := range w.subs {
		_ = sub.Unsubscribe()
	}
	w.publishStatusEvent(protocol.WorkerOffline)
	w.log.Info().Msg("worker stopped")
}

func (w *Worker) publishStatusEvent(status protocol.WorkerStatus) {
	payload, err := protocol.Encode(protocol.KindEvent, protocol.Event{
		WorkerID:  w.cfg.WorkerID,
		EventType: protocol.EventStatusChange,
		Data:      map[string]any{"status": string(status)},
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := w.bus.Publish(protocol.EventSubject(protocol.EventStatusChange), payload); err != nil {
		w.log.Debug().Err(err).Msg("publish status event")
	}
}

// refreshProjection extends the TTL on this worker's cached blob so the
// fleet view survives between manager-side writes; best effort.
func (w *Worker) refreshProjection(ctx context.Context) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Expire(ctx, cache.WorkerKey(w.cfg.WorkerID), cache.WorkerTTL); err != nil {
		w.log.Debug().Err(err).Msg("refresh worker ttl")
	}
}
