package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/flotilla/bus/bustest"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/manager/broker"
	"github.com/itskum47/flotilla/manager/dispatch"
	"github.com/itskum47/flotilla/manager/registry"
	"github.com/itskum47/flotilla/observability"
	"github.com/itskum47/flotilla/protocol"
	"github.com/itskum47/flotilla/store"
)

// flakyStore simulates a database outage for the append paths.
type flakyStore struct {
	*store.Memory
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyStore) down() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing
}

func (f *flakyStore) InsertEvent(ctx context.Context, e *store.EventRecord) error {
	if f.down() {
		return fault.ErrUnavailable
	}
	return f.Memory.InsertEvent(ctx, e)
}

func (f *flakyStore) InsertProgress(ctx context.Context, p *store.ProgressRecord) error {
	if f.down() {
		return fault.ErrUnavailable
	}
	return f.Memory.InsertProgress(ctx, p)
}

type recordingFanout struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingFanout) Broadcast(event string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingFanout) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	in   *Ingestor
	st   *store.Memory
	ch   *cache.Memory
	bus  *bustest.Bus
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	fan  *recordingFanout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	ch := cache.NewMemory()
	b := bustest.New()
	reg := registry.New(st, ch, registry.DefaultConfig(), zerolog.Nop())
	d := dispatch.New(st, ch, b, reg, dispatch.Config{
		AckDeadline:    time.Minute,
		RetryLimit:     3,
		PollInterval:   time.Minute,
		DefaultTimeout: time.Minute,
	}, zerolog.Nop())
	reg.SetReclaimer(d)
	br := broker.New(st, ch, b, d, broker.DefaultConfig(), zerolog.Nop())
	fan := &recordingFanout{}
	in := New(st, ch, b, reg, d, br, fan, DefaultConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, in.Start(ctx))
	t.Cleanup(in.Stop)
	return &fixture{in: in, st: st, ch: ch, bus: b, reg: reg, disp: d, fan: fan}
}

func publish(t *testing.T, b *bustest.Bus, subject string, kind protocol.Kind, payload any) {
	t.Helper()
	data, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	require.NoError(t, b.Publish(subject, data))
}

func TestRegistrationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data, err := protocol.Encode(protocol.KindRegistration, protocol.Registration{
		WorkerID:     "w1",
		Hostname:     "box-1",
		Capabilities: protocol.Capabilities{MaxConcurrentTasks: 2},
	})
	require.NoError(t, err)

	raw, err := f.bus.Request(ctx, protocol.SubjectRegister, data, time.Second)
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(raw)
	require.NoError(t, err)
	ack, err := protocol.Decode[protocol.Ack](env)
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.Equal(t, "registered", ack.Status)
	require.NotEmpty(t, ack.Note, "ack carries the new session id")

	w, err := f.st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerIdle, w.Status)

	sess, err := f.st.GetSession(ctx, ack.Note)
	require.NoError(t, err)
	assert.Equal(t, "w1", sess.WorkerID)
	assert.Equal(t, protocol.SessionActive, sess.Status)
	assert.True(t, f.fan.has("worker_registered"))
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bus.Publish(protocol.SubjectHeartbeat, []byte("not json")))
	// Missing required worker_id fails validation.
	publish(t, f.bus, protocol.SubjectHeartbeat, protocol.KindHeartbeat, protocol.Heartbeat{})
	workers, err := f.st.ListWorkers(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestHeartbeatCountedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.ApplyRegistration(ctx, &protocol.Registration{
		WorkerID:     "w1",
		Capabilities: protocol.Capabilities{MaxConcurrentTasks: 1},
	})
	require.NoError(t, err)

	applied := observability.HeartbeatsReceived.WithLabelValues("applied")
	before := testutil.ToFloat64(applied)

	publish(t, f.bus, protocol.SubjectHeartbeat, protocol.KindHeartbeat, protocol.Heartbeat{
		WorkerID:  "w1",
		Status:    protocol.WorkerIdle,
		Timestamp: time.Now(),
	})

	assert.Equal(t, before+1, testutil.ToFloat64(applied))
}

func TestProgressCachesAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.st.CreateTask(ctx, &store.Task{
		TaskID:    "t1",
		Status:    protocol.TaskAssigned,
		CreatedAt: time.Now(),
	}))

	p := protocol.Progress{
		TaskID:          "t1",
		WorkerID:        "w1",
		Status:          protocol.TaskRunning,
		PercentComplete: 40,
		Phase:           "navigating",
		Timestamp:       time.Now(),
	}
	publish(t, f.bus, protocol.ProgressSubject("t1"), protocol.KindProgress, p)

	blob, err := f.ch.Get(ctx, cache.TaskProgressKey("t1"))
	require.NoError(t, err)
	var cached protocol.Progress
	require.NoError(t, json.Unmarshal([]byte(blob), &cached))
	assert.Equal(t, 40.0, cached.PercentComplete)

	timeline, err := f.ch.ListRange(ctx, cache.TaskTimelineKey("t1"), 0, -1)
	require.NoError(t, err)
	assert.Len(t, timeline, 1)

	rows, err := f.st.ListProgress(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "navigating", rows[0].Phase)

	task, err := f.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskRunning, task.Status)
	assert.True(t, f.fan.has("task_progress"))
}

func TestCompletionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.ApplyRegistration(ctx, &protocol.Registration{
		WorkerID:     "w1",
		Capabilities: protocol.Capabilities{MaxConcurrentTasks: 1},
	})
	require.NoError(t, err)

	require.NoError(t, f.st.CreateTask(ctx, &store.Task{
		TaskID:    "t1",
		Status:    protocol.TaskPending,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, f.st.MarkTaskAssigned(ctx, "t1", "w1", 0, time.Now()))

	done := protocol.Completion{
		TaskID:      "t1",
		WorkerID:    "w1",
		Status:      protocol.TaskCompleted,
		Success:     true,
		DurationMS:  1200,
		CompletedAt: time.Now(),
		Metrics:     protocol.TaskMetrics{ToolCalls: 7},
	}
	publish(t, f.bus, protocol.SubjectCompletion, protocol.KindCompletion, done)

	task, err := f.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCompleted, task.Status)
	assert.EqualValues(t, 1200, task.ExecutionTimeMS)
	assert.EqualValues(t, 7, task.Analytics.ToolCalls)

	w, err := f.st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerIdle, w.Status)

	// A duplicate completion with a different outcome must not win.
	dup := done
	dup.Status = protocol.TaskFailed
	dup.Error = "late duplicate"
	publish(t, f.bus, protocol.SubjectCompletion, protocol.KindCompletion, dup)

	task, err = f.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCompleted, task.Status)
	assert.Empty(t, task.ErrorMessage)
}

func TestBroadcastWinnerRecordedAsAssignedWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A broadcast task is published without MarkTaskAssigned; the claim
	// winner announces itself through task_started and the completion.
	require.NoError(t, f.st.CreateTask(ctx, &store.Task{
		TaskID:    "t1",
		Status:    protocol.TaskPending,
		CreatedAt: time.Now(),
	}))

	publish(t, f.bus, protocol.EventSubject(protocol.EventTaskStarted), protocol.KindEvent, protocol.Event{
		WorkerID:  "w1",
		TaskID:    "t1",
		EventType: protocol.EventTaskStarted,
		Timestamp: time.Now(),
	})

	task, err := f.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskRunning, task.Status)
	assert.Equal(t, "w1", task.AssignedWorker)

	publish(t, f.bus, protocol.SubjectCompletion, protocol.KindCompletion, protocol.Completion{
		TaskID:      "t1",
		WorkerID:    "w1",
		Status:      protocol.TaskCompleted,
		Success:     true,
		CompletedAt: time.Now(),
	})

	task, err = f.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCompleted, task.Status)
	assert.Equal(t, "w1", task.AssignedWorker)
}

func TestCompletionBumpsSessionCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.st.CreateSession(ctx, &store.Session{
		SessionID: "s1",
		WorkerID:  "w1",
		StartedAt: time.Now(),
		Status:    protocol.SessionActive,
	}))
	require.NoError(t, f.st.CreateTask(ctx, &store.Task{
		TaskID:    "t1",
		SessionID: "s1",
		Status:    protocol.TaskPending,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, f.st.MarkTaskAssigned(ctx, "t1", "w1", 0, time.Now()))

	publish(t, f.bus, protocol.SubjectCompletion, protocol.KindCompletion, protocol.Completion{
		TaskID:      "t1",
		WorkerID:    "w1",
		Status:      protocol.TaskCompleted,
		CompletedAt: time.Now(),
	})

	sess, err := f.st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TasksCompleted)
}

func TestRejectionRoutesToDispatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.st.CreateTask(ctx, &store.Task{
		TaskID:    "t1",
		Status:    protocol.TaskPending,
		Priority:  protocol.PriorityNormal,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, f.st.MarkTaskAssigned(ctx, "t1", "w1", 0, time.Now()))

	publish(t, f.bus, protocol.RejectionSubject("t1"), protocol.KindRejection, protocol.Rejection{
		TaskID:   "t1",
		WorkerID: "w1",
		Reason:   protocol.ReasonQueueFull,
	})

	task, err := f.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	events, err := f.st.ListEventsByWorker(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, protocol.EventTaskRejected, events[0].EventType)
}

func TestQuestionRoutedToBroker(t *testing.T) {
	f := newFixture(t)

	data, err := protocol.Encode(protocol.KindQuestion, protocol.Question{
		QuestionID: "q1",
		WorkerID:   "w1",
		Question:   "captcha encountered, skip site?",
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.PublishRequest(protocol.QuestionSubject("w1"), "reply.q1", data))

	rows, err := f.st.ListUnansweredQuestions(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "q1", rows[0].QuestionID)
	assert.True(t, f.fan.has("worker_question"))
}

func TestDurableBufferAbsorbsStoreOutage(t *testing.T) {
	st := store.NewMemory()
	ch := cache.NewMemory()
	b := bustest.New()
	reg := registry.New(st, ch, registry.DefaultConfig(), zerolog.Nop())
	d := dispatch.New(st, ch, b, reg, dispatch.DefaultConfig(), zerolog.Nop())
	br := broker.New(st, ch, b, d, broker.DefaultConfig(), zerolog.Nop())

	flaky := &flakyStore{Memory: st, failing: true}
	in := New(flaky, ch, b, reg, d, br, nil, Config{
		DurableBufferLimit: 8,
		FlushInterval:      10 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	publish(t, b, protocol.EventSubject("custom"), protocol.KindEvent, protocol.Event{
		WorkerID:  "w1",
		EventType: "custom",
		Timestamp: time.Now(),
	})

	events, err := st.ListEventsByWorker(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Empty(t, events, "write buffered while store is down")

	flaky.setFailing(false)
	assert.Eventually(t, func() bool {
		events, err := st.ListEventsByWorker(ctx, "w1", 10)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond, "buffered write flushed after recovery")
}
