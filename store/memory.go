package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/protocol"
)

// Memory implements Store in-process with the same semantics as Postgres:
// idempotent upserts, once-only completion, CAS requeue. Used by tests.
type Memory struct {
	mu        sync.Mutex
	workers   map[string]*Worker
	tasks     map[string]*Task
	progress  []*ProgressRecord
	events    []*EventRecord
	questions map[string]*QuestionRecord
	sessions  map[string]*Session
	nextID    int64
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		workers:   make(map[string]*Worker),
		tasks:     make(map[string]*Task),
		questions: make(map[string]*QuestionRecord),
		sessions:  make(map[string]*Session),
	}
}

func copyWorker(w *Worker) *Worker {
	cp := *w
	return &cp
}

func copyTask(t *Task) *Task {
	cp := *t
	return &cp
}

func (m *Memory) UpsertWorker(_ context.Context, w *Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workers[w.WorkerID]
	cp := copyWorker(w)
	cp.UpdatedAt = time.Now()
	if ok {
		cp.RegisteredAt = existing.RegisteredAt
		if existing.LastHeartbeat.After(cp.LastHeartbeat) {
			cp.LastHeartbeat = existing.LastHeartbeat
		}
	}
	m.workers[w.WorkerID] = cp
	return nil
}

func (m *Memory) GetWorker(_ context.Context, workerID string) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return nil, nil
	}
	return copyWorker(w), nil
}

func (m *Memory) ListWorkers(_ context.Context, statusFilter protocol.WorkerStatus) ([]*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Worker
	for _, w := range m.workers {
		if statusFilter == "" || w.Status == statusFilter {
			out = append(out, copyWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *Memory) UpdateWorkerStatus(_ context.Context, workerID string, status protocol.WorkerStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, fault.ErrConflict)
	}
	w.Status = status
	w.UpdatedAt = at
	return nil
}

func (m *Memory) UpdateWorkerHeartbeat(_ context.Context, workerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, fault.ErrConflict)
	}
	if at.After(w.LastHeartbeat) {
		w.LastHeartbeat = at
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CreateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.TaskID]; exists {
		return nil
	}
	cp := copyTask(t)
	cp.UpdatedAt = time.Now()
	m.tasks[t.TaskID] = cp
	return nil
}

func (m *Memory) GetTask(_ context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (m *Memory) MarkTaskAssigned(_ context.Context, taskID, workerID string, attempt int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || (t.Status != protocol.TaskPending && t.Status != protocol.TaskAssigned) {
		return fmt.Errorf("task %s not assignable: %w", taskID, fault.ErrConflict)
	}
	t.Status = protocol.TaskAssigned
	t.AssignedWorker = workerID
	t.RetryCount = attempt
	t.UpdatedAt = at
	return nil
}

func (m *Memory) MarkTaskRunning(_ context.Context, taskID, workerID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return nil
	}
	t.Status = protocol.TaskRunning
	if t.AssignedWorker == "" {
		// Broadcast-claimed task; the winner announces itself here.
		t.AssignedWorker = workerID
	}
	if t.StartedAt == nil {
		at := startedAt
		t.StartedAt = &at
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CompleteTask(_ context.Context, taskID, workerID string, status protocol.TaskStatus, completedAt time.Time,
	executionMS int64, errorMessage string, result string, analytics protocol.TaskMetrics) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = status
	if t.AssignedWorker == "" {
		t.AssignedWorker = workerID
	}
	at := completedAt
	t.CompletedAt = &at
	t.ExecutionTimeMS = executionMS
	t.ErrorMessage = errorMessage
	t.Result = result
	t.Analytics = analytics
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) RequeueTask(_ context.Context, taskID, fromWorker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.AssignedWorker != fromWorker || t.Status.Terminal() {
		return fmt.Errorf("task %s moved on: %w", taskID, fault.ErrConflict)
	}
	t.Status = protocol.TaskPending
	t.AssignedWorker = ""
	t.RetryCount++
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) FailTask(_ context.Context, taskID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return nil
	}
	t.Status = protocol.TaskFailed
	t.ErrorMessage = reason
	completedAt := at
	t.CompletedAt = &completedAt
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListActiveTasksByWorker(_ context.Context, workerID string) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.AssignedWorker == workerID &&
			(t.Status == protocol.TaskAssigned || t.Status == protocol.TaskRunning) {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (m *Memory) ListTasksByStatus(_ context.Context, status protocol.TaskStatus, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertProgress(_ context.Context, p *ProgressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *p
	cp.ID = m.nextID
	m.progress = append(m.progress, &cp)
	return nil
}

func (m *Memory) ListProgress(_ context.Context, taskID string, limit int) ([]*ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProgressRecord
	for i := len(m.progress) - 1; i >= 0; i-- {
		if m.progress[i].TaskID == taskID {
			cp := *m.progress[i]
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) InsertEvent(_ context.Context, e *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *e
	cp.ID = m.nextID
	m.events = append(m.events, &cp)
	return nil
}

func (m *Memory) ListEventsByWorker(_ context.Context, workerID string, limit int) ([]*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*EventRecord
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].WorkerID == workerID {
			cp := *m.events[i]
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) InsertQuestion(_ context.Context, q *QuestionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.questions[q.QuestionID]; exists {
		return nil
	}
	cp := *q
	m.questions[q.QuestionID] = &cp
	return nil
}

func (m *Memory) AnswerQuestion(_ context.Context, questionID, answer, answeredBy string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok || q.AnsweredAt != nil {
		return false, nil
	}
	q.Answer = answer
	q.AnsweredBy = answeredBy
	answeredAt := at
	q.AnsweredAt = &answeredAt
	return true, nil
}

func (m *Memory) ListUnansweredQuestions(_ context.Context, workerID string) ([]*QuestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QuestionRecord
	for _, q := range m.questions {
		if q.AnsweredAt == nil && (workerID == "" || q.WorkerID == workerID) {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AskedAt.Before(out[j].AskedAt) })
	return out, nil
}

func (m *Memory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.SessionID]; exists {
		return nil
	}
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) CloseSession(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	s.Status = protocol.SessionClosed
	if s.EndedAt == nil {
		endedAt := at
		s.EndedAt = &endedAt
	}
	return nil
}

func (m *Memory) IncrementSessionTasks(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.TasksCompleted++
	}
	return nil
}

func (m *Memory) AggregateAnalytics(_ context.Context, since time.Time) (*Analytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := &Analytics{Since: since, TasksPerWorker: make(map[string]int64)}
	var totalMS int64
	for _, t := range m.tasks {
		if t.CreatedAt.Before(since) {
			continue
		}
		agg.TotalTasks++
		switch t.Status {
		case protocol.TaskCompleted:
			agg.Completed++
			totalMS += t.ExecutionTimeMS
		case protocol.TaskFailed:
			agg.Failed++
		case protocol.TaskTimeout:
			agg.TimedOut++
		}
		if t.AssignedWorker != "" {
			agg.TasksPerWorker[t.AssignedWorker]++
		}
		agg.TotalToolCalls += t.Analytics.ToolCalls
		agg.TotalPageVisits += t.Analytics.PagesVisited
	}
	if agg.Completed > 0 {
		agg.AvgExecutionMS = float64(totalMS) / float64(agg.Completed)
	}
	return agg, nil
}

func (m *Memory) Close() {}
