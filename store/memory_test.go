package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/protocol"
)

func newTask(id string) *Task {
	return &Task{
		TaskID:      id,
		Description: "do the thing",
		Status:      protocol.TaskPending,
		Priority:    protocol.PriorityNormal,
		CreatedAt:   time.Now(),
		TimeoutMS:   60000,
	}
}

func TestTaskLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateTask(ctx, newTask("t1")))
	require.NoError(t, m.MarkTaskAssigned(ctx, "t1", "w1", 0, time.Now()))
	require.NoError(t, m.MarkTaskRunning(ctx, "t1", "w1", time.Now()))

	won, err := m.CompleteTask(ctx, "t1", "w1", protocol.TaskCompleted, time.Now(), 1200, "", "done", protocol.TaskMetrics{ToolCalls: 3})
	require.NoError(t, err)
	assert.True(t, won)

	got, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCompleted, got.Status)
	assert.Equal(t, "w1", got.AssignedWorker)
	assert.EqualValues(t, 1200, got.ExecutionTimeMS)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestBroadcastClaimAdoptsWorker(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// A broadcast winner never goes through MarkTaskAssigned; its
	// task_started confirmation is the first time we learn who owns it.
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))
	require.NoError(t, m.MarkTaskRunning(ctx, "t1", "w1", time.Now()))

	got, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskRunning, got.Status)
	assert.Equal(t, "w1", got.AssignedWorker)

	won, err := m.CompleteTask(ctx, "t1", "w1", protocol.TaskCompleted, time.Now(), 50, "", "", protocol.TaskMetrics{})
	require.NoError(t, err)
	require.True(t, won)

	got, err = m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCompleted, got.Status)
	assert.Equal(t, "w1", got.AssignedWorker)
}

func TestCompleteTaskAdoptsWorkerOnMissingAssignment(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Completion alone also adopts, and never overwrites a known worker.
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))
	won, err := m.CompleteTask(ctx, "t1", "w2", protocol.TaskCompleted, time.Now(), 10, "", "", protocol.TaskMetrics{})
	require.NoError(t, err)
	require.True(t, won)
	got, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "w2", got.AssignedWorker)

	require.NoError(t, m.CreateTask(ctx, newTask("t2")))
	require.NoError(t, m.MarkTaskAssigned(ctx, "t2", "w1", 0, time.Now()))
	require.NoError(t, m.MarkTaskRunning(ctx, "t2", "w9", time.Now()))
	got, err = m.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.AssignedWorker, "direct assignment is authoritative")
}

func TestCompleteTaskIsOnceOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateTask(ctx, newTask("t1")))
	require.NoError(t, m.MarkTaskAssigned(ctx, "t1", "w1", 0, time.Now()))

	won, err := m.CompleteTask(ctx, "t1", "w1", protocol.TaskCompleted, time.Now(), 100, "", "first", protocol.TaskMetrics{})
	require.NoError(t, err)
	require.True(t, won)

	// A late duplicate must not rewrite the terminal row.
	won, err = m.CompleteTask(ctx, "t1", "w1", protocol.TaskFailed, time.Now(), 999, "late", "", protocol.TaskMetrics{})
	require.NoError(t, err)
	assert.False(t, won)

	got, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCompleted, got.Status)
	assert.Equal(t, "first", got.Result)
}

func TestRequeueTaskCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateTask(ctx, newTask("t1")))
	require.NoError(t, m.MarkTaskAssigned(ctx, "t1", "w1", 0, time.Now()))

	require.NoError(t, m.RequeueTask(ctx, "t1", "w1"))
	got, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskPending, got.Status)
	assert.Empty(t, got.AssignedWorker)
	assert.Equal(t, 1, got.RetryCount)

	// Task has since been assigned elsewhere; the stale requeue loses.
	require.NoError(t, m.MarkTaskAssigned(ctx, "t1", "w2", 1, time.Now()))
	err = m.RequeueTask(ctx, "t1", "w1")
	assert.ErrorIs(t, err, fault.ErrConflict)

	// A completion also blocks requeue.
	_, err = m.CompleteTask(ctx, "t1", "w2", protocol.TaskCompleted, time.Now(), 10, "", "", protocol.TaskMetrics{})
	require.NoError(t, err)
	err = m.RequeueTask(ctx, "t1", "w2")
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestMarkAssignedRejectsTerminalTask(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateTask(ctx, newTask("t1")))
	require.NoError(t, m.FailTask(ctx, "t1", "worker_lost", time.Now()))

	err := m.MarkTaskAssigned(ctx, "t1", "w1", 0, time.Now())
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestListActiveTasksByWorker(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, m.CreateTask(ctx, newTask(id)))
	}
	require.NoError(t, m.MarkTaskAssigned(ctx, "t1", "w1", 0, time.Now()))
	require.NoError(t, m.MarkTaskAssigned(ctx, "t2", "w1", 0, time.Now()))
	_, err := m.CompleteTask(ctx, "t2", "w1", protocol.TaskCompleted, time.Now(), 5, "", "", protocol.TaskMetrics{})
	require.NoError(t, err)
	require.NoError(t, m.MarkTaskAssigned(ctx, "t3", "w2", 0, time.Now()))

	active, err := m.ListActiveTasksByWorker(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t1", active[0].TaskID)
}

func TestAnswerQuestionOnceOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.InsertQuestion(ctx, &QuestionRecord{
		QuestionID: "q1",
		WorkerID:   "w1",
		Question:   "which branch?",
		AskedAt:    time.Now(),
	}))

	won, err := m.AnswerQuestion(ctx, "q1", "main", "manager", time.Now())
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m.AnswerQuestion(ctx, "q1", "develop", "system", time.Now())
	require.NoError(t, err)
	assert.False(t, won, "resolved question stays resolved")

	open, err := m.ListUnansweredQuestions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSessionLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateSession(ctx, &Session{
		SessionID: "s1",
		WorkerID:  "w1",
		StartedAt: time.Now(),
		Status:    protocol.SessionActive,
	}))
	require.NoError(t, m.IncrementSessionTasks(ctx, "s1"))
	require.NoError(t, m.IncrementSessionTasks(ctx, "s1"))
	require.NoError(t, m.CloseSession(ctx, "s1", time.Now()))
	require.NoError(t, m.CloseSession(ctx, "s1", time.Now().Add(time.Hour)))

	s, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionClosed, s.Status)
	assert.Equal(t, 2, s.TasksCompleted)
	require.NotNil(t, s.EndedAt)
	assert.WithinDuration(t, time.Now(), *s.EndedAt, time.Minute, "first close wins")
}

func TestAggregateAnalytics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)

	old := newTask("t-old")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, m.CreateTask(ctx, old))

	for i, spec := range []struct {
		id     string
		worker string
		status protocol.TaskStatus
		ms     int64
	}{
		{"t1", "w1", protocol.TaskCompleted, 100},
		{"t2", "w1", protocol.TaskCompleted, 300},
		{"t3", "w2", protocol.TaskFailed, 0},
		{"t4", "w2", protocol.TaskTimeout, 0},
	} {
		task := newTask(spec.id)
		require.NoError(t, m.CreateTask(ctx, task))
		require.NoError(t, m.MarkTaskAssigned(ctx, spec.id, spec.worker, 0, time.Now()))
		if spec.status.Terminal() {
			metrics := protocol.TaskMetrics{ToolCalls: int64(i + 1), PagesVisited: 1}
			_, err := m.CompleteTask(ctx, spec.id, spec.worker, spec.status, time.Now(), spec.ms, "", "", metrics)
			require.NoError(t, err)
		}
	}

	agg, err := m.AggregateAnalytics(ctx, since)
	require.NoError(t, err)
	assert.EqualValues(t, 4, agg.TotalTasks, "pre-window task excluded")
	assert.EqualValues(t, 2, agg.Completed)
	assert.EqualValues(t, 1, agg.Failed)
	assert.EqualValues(t, 1, agg.TimedOut)
	assert.EqualValues(t, 200, agg.AvgExecutionMS)
	assert.EqualValues(t, 2, agg.TasksPerWorker["w1"])
	assert.EqualValues(t, 2, agg.TasksPerWorker["w2"])
	assert.EqualValues(t, 4, agg.TotalPageVisits)
}
