// Package ingest owns the manager's bus subscriptions. Every inbound message
// is decoded and validated at this boundary; malformed payloads are counted
// and dropped. Hot-path state goes to the cache first, durable rows go
// through a bounded retry buffer so a database outage does not stall
// ingestion.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/flotilla/bus"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/manager/broker"
	"github.com/itskum47/flotilla/manager/dispatch"
	"github.com/itskum47/flotilla/manager/registry"
	"github.com/itskum47/flotilla/observability"
	"github.com/itskum47/flotilla/protocol"
	"github.com/itskum47/flotilla/store"
)

// Fanout receives every accepted inbound record for live observers. A nil
// Fanout disables streaming.
type Fanout interface {
	Broadcast(event string, payload any)
}

// Config holds ingestor tunables.
type Config struct {
	// DurableBufferLimit bounds the retry queue for store writes that
	// failed with an availability error. Beyond it, writes are dropped
	// and counted.
	DurableBufferLimit int
	// FlushInterval is the retry cadence for the buffer.
	FlushInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DurableBufferLimit: 10000,
		FlushInterval:      2 * time.Second,
	}
}

// Ingestor decodes inbound traffic and routes it to the owning subsystem.
type Ingestor struct {
	store  store.Store
	cache  cache.Cache
	bus    bus.Bus
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	broker *broker.Broker
	fan    Fanout
	cfg    Config
	log    zerolog.Logger

	durable chan func(context.Context) error
	subs    []bus.Subscription
}

// New builds an Ingestor. fan may be nil.
func New(s store.Store, c cache.Cache, b bus.Bus, reg *registry.Registry,
	disp *dispatch.Dispatcher, br *broker.Broker, fan Fanout, cfg Config, log zerolog.Logger) *Ingestor {
	if cfg.DurableBufferLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &Ingestor{
		store:   s,
		cache:   c,
		bus:     b,
		reg:     reg,
		disp:    disp,
		broker:  br,
		fan:     fan,
		cfg:     cfg,
		log:     log.With().Str("component", "ingest").Logger(),
		durable: make(chan func(context.Context) error, cfg.DurableBufferLimit),
	}
}

// Start registers every subscription and launches the durable flusher.
func (in *Ingestor) Start(ctx context.Context) error {
	routes := []struct {
		subject string
		handler bus.Handler
	}{
		{protocol.SubjectRegister, in.onRegister},
		{protocol.SubjectHeartbeat, in.onHeartbeat},
		{protocol.SubjectCompletion, in.onCompletion},
		{protocol.WildcardProgress, in.onProgress},
		{protocol.WildcardRejected, in.onRejection},
		{protocol.WildcardEvents, in.onEvent},
		{protocol.WildcardRealtime, in.onRealtime},
		{protocol.WildcardQuestions, in.onQuestion},
		{protocol.WildcardNextTask, in.onNextTask},
		{protocol.WildcardEndSession, in.onEndSession},
	}
	for _, r := range routes {
		sub, err := in.bus.Subscribe(r.subject, in.guarded(r.handler))
		if err != nil {
			return err
		}
		in.subs = append(in.subs, sub)
	}
	go in.flushLoop(ctx)
	in.log.Info().Int("subscriptions", len(routes)).Msg("ingest online")
	return nil
}

// Stop drops every subscription.
func (in *Ingestor) Stop() {
	for _, sub := range in.subs {
		if err := sub.Unsubscribe(); err != nil {
			in.log.Debug().Err(err).Msg("unsubscribe")
		}
	}
	in.subs = nil
}

// guarded keeps a panicking handler from taking the whole manager down with
// it; the offending message is logged and skipped.
func (in *Ingestor) guarded(h bus.Handler) bus.Handler {
	return func(msg bus.Message) {
		defer func() {
			if r := recover(); r != nil {
				in.log.Error().Interface("panic", r).Str("subject", msg.Subject).Msg("handler panicked")
			}
		}()
		h(msg)
	}
}

// decode unwraps and validates one payload; counts and reports malformed
// traffic.
func decode[T any](in *Ingestor, msg bus.Message) (*T, bool) {
	env, err := protocol.DecodeEnvelope(msg.Data)
	if err != nil {
		observability.MalformedMessages.WithLabelValues(msg.Subject).Inc()
		in.log.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed envelope")
		return nil, false
	}
	payload, err := protocol.Decode[T](env)
	if err != nil {
		observability.MalformedMessages.WithLabelValues(msg.Subject).Inc()
		in.log.Warn().Err(err).Str("subject", msg.Subject).Msg("invalid payload")
		return nil, false
	}
	return payload, true
}

func (in *Ingestor) onRegister(msg bus.Message) {
	ctx := context.Background()
	reg, ok := decode[protocol.Registration](in, msg)
	if !ok {
		return
	}

	if _, err := in.reg.ApplyRegistration(ctx, reg); err != nil {
		in.log.Error().Err(err).Str("worker", reg.WorkerID).Msg("registration failed")
		in.reply(msg.Reply, protocol.Ack{OK: false, Note: "registration failed"})
		return
	}

	// Each registration opens a fresh session for this worker run.
	sessionID := uuid.NewString()
	if err := in.store.CreateSession(ctx, &store.Session{
		SessionID: sessionID,
		WorkerID:  reg.WorkerID,
		StartedAt: time.Now(),
		Status:    protocol.SessionActive,
	}); err != nil {
		in.log.Warn().Err(err).Str("worker", reg.WorkerID).Msg("create session")
		sessionID = ""
	}

	in.reply(msg.Reply, protocol.Ack{OK: true, Status: "registered", Note: sessionID})
	in.fanout("worker_registered", reg)
}

// onHeartbeat routes to the registry, which owns the heartbeat counters.
func (in *Ingestor) onHeartbeat(msg bus.Message) {
	hb, ok := decode[protocol.Heartbeat](in, msg)
	if !ok {
		return
	}
	if err := in.reg.ApplyHeartbeat(context.Background(), hb); err != nil {
		in.log.Warn().Err(err).Str("worker", hb.WorkerID).Msg("apply heartbeat")
	}
}

func (in *Ingestor) onProgress(msg bus.Message) {
	ctx := context.Background()
	p, ok := decode[protocol.Progress](in, msg)
	if !ok {
		return
	}
	start := time.Now()

	// Any progress proves the worker took the task.
	in.disp.Confirm(p.TaskID)
	if p.Status == protocol.TaskRunning {
		if err := in.store.MarkTaskRunning(ctx, p.TaskID, p.WorkerID, p.Timestamp); err != nil {
			in.log.Debug().Err(err).Str("task", p.TaskID).Msg("mark running")
		}
	}

	if raw, err := json.Marshal(p); err == nil {
		blob := string(raw)
		if err := in.cache.Set(ctx, cache.TaskProgressKey(p.TaskID), blob, cache.ProgressTTL); err != nil {
			in.log.Debug().Err(err).Msg("cache progress")
		}
		if err := in.cache.ListAppend(ctx, cache.TaskTimelineKey(p.TaskID), blob,
			cache.TimelineMaxLen, cache.TimelineTTL); err != nil {
			in.log.Debug().Err(err).Msg("cache timeline")
		}
	}

	rec := &store.ProgressRecord{
		TaskID:          p.TaskID,
		WorkerID:        p.WorkerID,
		Status:          p.Status,
		Phase:           p.Phase,
		PercentComplete: p.PercentComplete,
		Metrics:         p.Metrics,
		Timestamp:       p.Timestamp,
	}
	in.durably(ctx, func(ctx context.Context) error {
		return in.store.InsertProgress(ctx, rec)
	})

	observability.IngestLag.Observe(time.Since(start).Seconds())
	in.fanout("task_progress", p)
}

func (in *Ingestor) onRejection(msg bus.Message) {
	ctx := context.Background()
	rej, ok := decode[protocol.Rejection](in, msg)
	if !ok {
		return
	}
	in.disp.HandleRejection(ctx, rej)
	in.durably(ctx, func(ctx context.Context) error {
		return in.store.InsertEvent(ctx, &store.EventRecord{
			WorkerID:  rej.WorkerID,
			EventType: protocol.EventTaskRejected,
			TaskID:    rej.TaskID,
			Data:      map[string]any{"reason": rej.Reason},
			Timestamp: time.Now(),
		})
	})
	in.fanout("task_rejected", rej)
}

func (in *Ingestor) onEvent(msg bus.Message) {
	ctx := context.Background()
	ev, ok := decode[protocol.Event](in, msg)
	if !ok {
		return
	}
	if ev.EventType == protocol.EventTaskStarted && ev.TaskID != "" {
		in.disp.Confirm(ev.TaskID)
		if err := in.store.MarkTaskRunning(ctx, ev.TaskID, ev.WorkerID, ev.Timestamp); err != nil {
			in.log.Debug().Err(err).Str("task", ev.TaskID).Msg("mark running")
		}
	}
	rec := &store.EventRecord{
		WorkerID:  ev.WorkerID,
		EventType: ev.EventType,
		TaskID:    ev.TaskID,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	}
	in.durably(ctx, func(ctx context.Context) error {
		return in.store.InsertEvent(ctx, rec)
	})
	in.fanout("worker_event", ev)
}

func (in *Ingestor) onRealtime(msg bus.Message) {
	rt, ok := decode[protocol.Realtime](in, msg)
	if !ok {
		return
	}
	in.fanout("realtime_metrics", rt)
}

func (in *Ingestor) onCompletion(msg bus.Message) {
	ctx := context.Background()
	c, ok := decode[protocol.Completion](in, msg)
	if !ok {
		return
	}
	in.disp.Confirm(c.TaskID)

	status := c.Status
	if !status.Terminal() {
		status = protocol.TaskFailed
	}
	applied, err := in.store.CompleteTask(ctx, c.TaskID, c.WorkerID, status, c.CompletedAt,
		c.DurationMS, c.Error, "", c.Metrics)
	if err != nil {
		in.log.Warn().Err(err).Str("task", c.TaskID).Msg("record completion")
		return
	}
	if !applied {
		// Duplicate or late completion; first writer won.
		in.log.Debug().Str("task", c.TaskID).Msg("completion ignored, already terminal")
		return
	}
	observability.TasksCompleted.WithLabelValues(string(status)).Inc()

	if err := in.cache.Del(ctx, cache.TaskClaimKey(c.TaskID)); err != nil {
		in.log.Debug().Err(err).Msg("release claim")
	}
	if err := in.reg.ApplyStatus(ctx, c.WorkerID, protocol.WorkerIdle); err != nil {
		in.log.Debug().Err(err).Str("worker", c.WorkerID).Msg("worker back to idle")
	}

	eventType := protocol.EventTaskCompleted
	switch status {
	case protocol.TaskFailed:
		eventType = protocol.EventTaskFailed
	case protocol.TaskTimeout:
		eventType = protocol.EventTaskTimeout
	}
	in.durably(ctx, func(ctx context.Context) error {
		return in.store.InsertEvent(ctx, &store.EventRecord{
			WorkerID:  c.WorkerID,
			EventType: eventType,
			TaskID:    c.TaskID,
			Data:      map[string]any{"duration_ms": c.DurationMS, "exit_code": c.ExitCode},
			Timestamp: c.CompletedAt,
		})
	})

	if task, err := in.store.GetTask(ctx, c.TaskID); err == nil && task != nil && task.SessionID != "" &&
		status == protocol.TaskCompleted {
		if err := in.store.IncrementSessionTasks(ctx, task.SessionID); err != nil {
			in.log.Debug().Err(err).Str("session", task.SessionID).Msg("bump session counter")
		}
	}

	in.log.Info().Str("task", c.TaskID).Str("worker", c.WorkerID).
		Str("status", string(status)).Int64("duration_ms", c.DurationMS).Msg("task finished")
	in.fanout("task_completed", c)
}

func (in *Ingestor) onQuestion(msg bus.Message) {
	q, ok := decode[protocol.Question](in, msg)
	if !ok {
		return
	}
	in.broker.HandleQuestion(context.Background(), q, msg.Reply)
	in.fanout("worker_question", q)
}

func (in *Ingestor) onNextTask(msg bus.Message) {
	req, ok := decode[protocol.NextTaskRequest](in, msg)
	if !ok {
		return
	}
	in.broker.HandleNextTask(context.Background(), req, msg.Reply)
}

func (in *Ingestor) onEndSession(msg bus.Message) {
	req, ok := decode[protocol.EndSessionRequest](in, msg)
	if !ok {
		return
	}
	in.broker.HandleEndSession(context.Background(), req, msg.Reply)
	in.fanout("session_end_requested", req)
}

func (in *Ingestor) reply(subject string, ack protocol.Ack) {
	if subject == "" {
		return
	}
	payload, err := protocol.Encode(protocol.KindAck, ack)
	if err != nil {
		return
	}
	if err := in.bus.Publish(subject, payload); err != nil {
		in.log.Warn().Err(err).Msg("publish reply")
	}
}

func (in *Ingestor) fanout(event string, payload any) {
	if in.fan != nil {
		in.fan.Broadcast(event, payload)
	}
}

// durably runs a store write now and, if the store is unavailable, parks it
// in the bounded retry buffer instead of losing it.
func (in *Ingestor) durably(ctx context.Context, write func(context.Context) error) {
	err := write(ctx)
	if err == nil {
		return
	}
	if !fault.IsRetryable(err) {
		in.log.Warn().Err(err).Msg("durable write failed")
		return
	}
	select {
	case in.durable <- write:
		observability.DurableBufferDepth.Set(float64(len(in.durable)))
	default:
		observability.DurableWritesDropped.Inc()
		in.log.Warn().Msg("durable buffer full, write dropped")
	}
}

func (in *Ingestor) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.flushOnce(ctx)
		}
	}
}

func (in *Ingestor) flushOnce(ctx context.Context) {
	for {
		select {
		case write := <-in.durable:
			if err := write(ctx); err != nil {
				if fault.IsRetryable(err) {
					// Still down; put it back and stop this round.
					select {
					case in.durable <- write:
					default:
						observability.DurableWritesDropped.Inc()
					}
					observability.DurableBufferDepth.Set(float64(len(in.durable)))
					return
				}
				in.log.Warn().Err(err).Msg("buffered write failed")
			}
			observability.DurableBufferDepth.Set(float64(len(in.durable)))
		default:
			return
		}
	}
}
