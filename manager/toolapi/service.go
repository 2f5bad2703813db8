// Package toolapi is the operator surface: a line-delimited JSON-RPC 2.0
// server on stdio whose methods are the control-plane tools. Errors surface
// as {success:false, error:...}; idempotent no-ops as {success:true,
// note:...}.
package toolapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/flotilla/bus"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/manager/broker"
	"github.com/itskum47/flotilla/manager/dispatch"
	"github.com/itskum47/flotilla/manager/registry"
	"github.com/itskum47/flotilla/manager/spawner"
	"github.com/itskum47/flotilla/protocol"
	"github.com/itskum47/flotilla/store"
)

// SpawnDefaults configures spawn_worker_container.
type SpawnDefaults struct {
	Image   string
	Network string
	// Env is passed through to every spawned worker (bus, cache, store
	// addresses and agent credentials).
	Env map[string]string
}

// Service implements the operator tools against the live subsystems.
type Service struct {
	store   store.Store
	cache   cache.Cache
	bus     bus.Bus
	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	broker  *broker.Broker
	spawn   spawner.Spawner
	spawnC  SpawnDefaults
	log     zerolog.Logger
}

// NewService builds the tool service. spawn may be nil to disable
// spawn_worker_container.
func NewService(s store.Store, c cache.Cache, b bus.Bus, reg *registry.Registry,
	disp *dispatch.Dispatcher, br *broker.Broker, sp spawner.Spawner, spawnC SpawnDefaults,
	log zerolog.Logger) *Service {
	return &Service{
		store:  s,
		cache:  c,
		bus:    b,
		reg:    reg,
		disp:   disp,
		broker: br,
		spawn:  sp,
		spawnC: spawnC,
		log:    log.With().Str("component", "toolapi").Logger(),
	}
}

type listWorkersParams struct {
	StatusFilter string `json:"status_filter,omitempty"`
	IncludeStats bool   `json:"include_stats,omitempty"`
}

func (s *Service) listWorkers(ctx context.Context, raw json.RawMessage) (any, error) {
	var p listWorkersParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	workers, err := s.reg.ListWorkers(ctx, protocol.WorkerStatus(p.StatusFilter), p.IncludeStats)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "workers": workers, "count": len(workers)}, nil
}

type workerStatusParams struct {
	WorkerID string `json:"worker_id"`
}

func (s *Service) getWorkerStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var p workerStatusParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.WorkerID == "" {
		return nil, fmt.Errorf("worker_id required")
	}
	w, err := s.reg.GetWorker(ctx, p.WorkerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("worker %s not found", p.WorkerID)
	}
	events, err := s.store.ListEventsByWorker(ctx, p.WorkerID, 20)
	if err != nil {
		s.log.Debug().Err(err).Msg("recent events")
	}
	active, err := s.store.ListActiveTasksByWorker(ctx, p.WorkerID)
	if err != nil {
		s.log.Debug().Err(err).Msg("active tasks")
	}
	return map[string]any{
		"success":       true,
		"worker":        w,
		"recent_events": events,
		"active_tasks":  active,
	}, nil
}

type assignTaskParams struct {
	Description string   `json:"description"`
	Priority    string   `json:"priority,omitempty"`
	WorkerID    string   `json:"worker_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	TimeoutMS   int64    `json:"timeout_ms,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Broadcast   bool     `json:"broadcast,omitempty"`
}

func (s *Service) assignTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var p assignTaskParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Description == "" {
		return nil, fmt.Errorf("description required")
	}
	taskID, workerID, err := s.disp.Submit(ctx, dispatch.Request{
		Description:  p.Description,
		Priority:     protocol.Priority(p.Priority),
		WorkerID:     p.WorkerID,
		RequiredTags: p.Tags,
		TimeoutMS:    p.TimeoutMS,
		SessionID:    p.SessionID,
		Broadcast:    p.Broadcast,
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{"success": true, "task_id": taskID}
	if workerID != "" {
		out["worker_id"] = workerID
	} else if p.Broadcast {
		out["note"] = "broadcast, first claimant wins"
	} else {
		out["note"] = "queued, no idle worker"
	}
	return out, nil
}

type taskStatusParams struct {
	TaskID          string `json:"task_id"`
	IncludeTimeline bool   `json:"include_timeline,omitempty"`
}

func (s *Service) getTaskStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var p taskStatusParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", p.TaskID)
	}

	out := map[string]any{"success": true, "task": task}

	// Latest progress comes from the cache when it is still live.
	if blob, err := s.cache.Get(ctx, cache.TaskProgressKey(p.TaskID)); err == nil && blob != "" {
		var latest protocol.Progress
		if json.Unmarshal([]byte(blob), &latest) == nil {
			out["latest_progress"] = latest
		}
	}

	if p.IncludeTimeline {
		timeline := s.timeline(ctx, p.TaskID)
		out["timeline"] = timeline
	}
	return out, nil
}

// timeline prefers the cached list; a cold cache falls back to the durable
// rows.
func (s *Service) timeline(ctx context.Context, taskID string) []protocol.Progress {
	var timeline []protocol.Progress
	if rows, err := s.cache.ListRange(ctx, cache.TaskTimelineKey(taskID), 0, -1); err == nil && len(rows) > 0 {
		for _, row := range rows {
			var p protocol.Progress
			if json.Unmarshal([]byte(row), &p) == nil {
				timeline = append(timeline, p)
			}
		}
		return timeline
	}
	records, err := s.store.ListProgress(ctx, taskID, int(cache.TimelineMaxLen))
	if err != nil {
		return nil
	}
	for _, r := range records {
		timeline = append(timeline, protocol.Progress{
			TaskID:          r.TaskID,
			WorkerID:        r.WorkerID,
			Status:          r.Status,
			Phase:           r.Phase,
			PercentComplete: r.PercentComplete,
			Metrics:         r.Metrics,
			Timestamp:       r.Timestamp,
		})
	}
	return timeline
}

type monitorParams struct {
	TaskID          string `json:"task_id"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// monitorTaskRealtime samples the task's timeline for the requested window
// and returns everything that arrived, plus the terminal status if reached.
func (s *Service) monitorTaskRealtime(ctx context.Context, raw json.RawMessage) (any, error) {
	var p monitorParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.DurationSeconds <= 0 {
		p.DurationSeconds = 10
	}
	if p.DurationSeconds > 60 {
		p.DurationSeconds = 60
	}

	task, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", p.TaskID)
	}

	seen := len(s.timeline(ctx, p.TaskID))
	deadline := time.After(time.Duration(p.DurationSeconds) * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var collected []protocol.Progress
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return s.monitorResult(ctx, p.TaskID, collected), nil
		case <-ticker.C:
			timeline := s.timeline(ctx, p.TaskID)
			// Cached timelines are newest first.
			if fresh := len(timeline) - seen; fresh > 0 {
				for i := fresh - 1; i >= 0; i-- {
					collected = append(collected, timeline[i])
				}
				seen = len(timeline)
			}
			if task, err := s.store.GetTask(ctx, p.TaskID); err == nil && task != nil && task.Status.Terminal() {
				return s.monitorResult(ctx, p.TaskID, collected), nil
			}
		}
	}
}

func (s *Service) monitorResult(ctx context.Context, taskID string, progress []protocol.Progress) any {
	out := map[string]any{"success": true, "progress": progress}
	if task, err := s.store.GetTask(ctx, taskID); err == nil && task != nil {
		out["status"] = task.Status
	}
	return out
}

type broadcastParams struct {
	Message          string   `json:"message"`
	TargetSessionIDs []string `json:"target_session_ids,omitempty"`
	From             string   `json:"from,omitempty"`
}

func (s *Service) broadcast(ctx context.Context, raw json.RawMessage) (any, error) {
	var p broadcastParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, fmt.Errorf("message required")
	}

	payload, err := protocol.Encode(protocol.KindBroadcast, protocol.Broadcast{
		Message:   p.Message,
		From:      p.From,
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	if len(p.TargetSessionIDs) == 0 {
		if err := s.bus.Publish(protocol.SubjectBroadcastAll, payload); err != nil {
			return nil, err
		}
		active, _ := s.cache.SMembers(ctx, cache.KeyActiveWorkers)
		return map[string]any{"success": true, "recipients_count": len(active)}, nil
	}

	recipients := 0
	for _, sessionID := range p.TargetSessionIDs {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil || sess == nil {
			continue
		}
		if err := s.bus.Publish(protocol.BroadcastSubject(sess.WorkerID), payload); err != nil {
			s.log.Warn().Err(err).Str("worker", sess.WorkerID).Msg("broadcast")
			continue
		}
		recipients++
	}
	return map[string]any{"success": true, "recipients_count": recipients}, nil
}

type listQuestionsParams struct {
	WorkerID string `json:"worker_id,omitempty"`
}

func (s *Service) listPendingQuestions(_ context.Context, raw json.RawMessage) (any, error) {
	var p listQuestionsParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	pending := s.broker.PendingQuestions()
	if p.WorkerID != "" {
		filtered := pending[:0]
		for _, q := range pending {
			if q.WorkerID == p.WorkerID {
				filtered = append(filtered, q)
			}
		}
		pending = filtered
	}
	return map[string]any{"success": true, "questions": pending, "count": len(pending)}, nil
}

type answerParams struct {
	QuestionID   string `json:"question_id"`
	Answer       string `json:"answer"`
	GuidanceType string `json:"guidance_type,omitempty"`
}

func (s *Service) answerWorkerQuestion(ctx context.Context, raw json.RawMessage) (any, error) {
	var p answerParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	err := s.broker.Answer(ctx, p.QuestionID, p.Answer, p.GuidanceType)
	if errors.Is(err, fault.ErrInvalid) {
		// Already resolved (or never asked); nothing left to do.
		return map[string]any{"success": true, "note": "not_found"}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "status": "answered"}, nil
}

type waitingWorkerParams struct {
	WorkerID    string `json:"worker_id"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	TimeoutMS   int64  `json:"timeout_ms,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

func (s *Service) assignTaskToWaitingWorker(ctx context.Context, raw json.RawMessage) (any, error) {
	var p waitingWorkerParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.WorkerID == "" {
		return nil, fmt.Errorf("worker_id required")
	}

	var req *dispatch.Request
	if p.Description != "" {
		req = &dispatch.Request{
			Description: p.Description,
			Priority:    protocol.Priority(p.Priority),
			TimeoutMS:   p.TimeoutMS,
			SessionID:   p.SessionID,
		}
	}
	taskID, err := s.disp.DispatchToWaiting(ctx, p.WorkerID, req)
	if errors.Is(err, dispatch.ErrNoTask) {
		return map[string]any{"success": true, "note": "queue empty, worker stays waiting"}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "task_id": taskID, "worker_id": p.WorkerID}, nil
}

type approveSessionParams struct {
	WorkerID          string `json:"worker_id"`
	Approved          bool   `json:"approved"`
	Reason            string `json:"reason,omitempty"`
	FinalInstructions string `json:"final_instructions,omitempty"`
}

func (s *Service) approveSessionEnd(ctx context.Context, raw json.RawMessage) (any, error) {
	var p approveSessionParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	err := s.broker.ApproveSessionEnd(ctx, p.WorkerID, p.Approved, p.Reason, p.FinalInstructions)
	if errors.Is(err, fault.ErrInvalid) {
		return map[string]any{"success": true, "note": "no pending session-end request"}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "approved": p.Approved}, nil
}

type analyticsParams struct {
	TimeRange string `json:"time_range,omitempty"`
}

func (s *Service) getWorkerAnalytics(ctx context.Context, raw json.RawMessage) (any, error) {
	var p analyticsParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	window := 24 * time.Hour
	if p.TimeRange != "" {
		d, err := time.ParseDuration(p.TimeRange)
		if err != nil {
			return nil, fmt.Errorf("bad time_range %q: use Go duration syntax, e.g. 24h", p.TimeRange)
		}
		window = d
	}
	agg, err := s.store.AggregateAnalytics(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "analytics": agg}, nil
}

type spawnParams struct {
	Tags        []string `json:"tags,omitempty"`
	MaxTasks    int      `json:"max_tasks,omitempty"`
	MaxMemoryMB int      `json:"max_memory_mb,omitempty"`
	Name        string   `json:"name,omitempty"`
}

func (s *Service) spawnWorkerContainer(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.spawn == nil {
		return nil, fmt.Errorf("container spawning not configured")
	}
	var p spawnParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.MaxTasks <= 0 {
		p.MaxTasks = 1
	}
	name := p.Name
	if name == "" {
		name = "flotilla-worker-" + uuid.NewString()[:8]
	}

	env := map[string]string{
		"WORKER_ID":            name,
		"MAX_CONCURRENT_TASKS": fmt.Sprintf("%d", p.MaxTasks),
	}
	if p.MaxMemoryMB > 0 {
		env["MAX_MEMORY_MB"] = fmt.Sprintf("%d", p.MaxMemoryMB)
	}
	if len(p.Tags) > 0 {
		env["WORKER_TAGS"] = strings.Join(p.Tags, ",")
	}
	for k, v := range s.spawnC.Env {
		env[k] = v
	}

	containerID, err := s.spawn.Spawn(ctx, spawner.Spec{
		Image:    s.spawnC.Image,
		Name:     name,
		Env:      env,
		Network:  s.spawnC.Network,
		MemoryMB: p.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}

	// Registration arrives over the bus; poll briefly so the common case
	// returns registered=true.
	registered := false
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if w, err := s.reg.GetWorker(ctx, name); err == nil && w != nil {
			registered = true
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	return map[string]any{
		"success":      true,
		"container_id": containerID,
		"name":         name,
		"registered":   registered,
	}, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("bad params: %w", err)
	}
	return nil
}
