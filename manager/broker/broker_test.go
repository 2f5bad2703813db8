package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/flotilla/bus/bustest"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/manager/dispatch"
	"github.com/itskum47/flotilla/manager/registry"
	"github.com/itskum47/flotilla/protocol"
	"github.com/itskum47/flotilla/store"
)

func testBroker(t *testing.T, timeout time.Duration) (*Broker, *store.Memory, *cache.Memory, *bustest.Bus, *dispatch.Dispatcher) {
	t.Helper()
	st := store.NewMemory()
	ch := cache.NewMemory()
	b := bustest.New()
	reg := registry.New(st, ch, registry.DefaultConfig(), zerolog.Nop())
	d := dispatch.New(st, ch, b, reg, dispatch.DefaultConfig(), zerolog.Nop())
	reg.SetReclaimer(d)
	br := New(st, ch, b, d, Config{QuestionTimeout: timeout, MaxPending: 4}, zerolog.Nop())
	return br, st, ch, b, d
}

func decodeAnswer(t *testing.T, data []byte) *protocol.Answer {
	t.Helper()
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	ans, err := protocol.Decode[protocol.Answer](env)
	require.NoError(t, err)
	return ans
}

func TestQuestionAnsweredByOperator(t *testing.T) {
	br, st, ch, b, _ := testBroker(t, time.Minute)
	ctx := context.Background()

	q := &protocol.Question{
		QuestionID: "q1",
		WorkerID:   "w1",
		Question:   "login page changed, retry with new selector?",
		AskedAt:    time.Now(),
	}
	br.HandleQuestion(ctx, q, "reply.q1")

	require.Len(t, br.PendingQuestions(), 1)
	mirrored, err := ch.HGet(ctx, cache.KeyPendingQuestions, "q1")
	require.NoError(t, err)
	assert.NotEmpty(t, mirrored)

	require.NoError(t, br.Answer(ctx, "q1", "yes, use the new selector", "direction"))

	msg := b.LastPublished("reply.q1")
	require.NotNil(t, msg)
	ans := decodeAnswer(t, msg.Data)
	assert.Equal(t, "manager", ans.AnsweredBy)
	assert.Equal(t, "yes, use the new selector", ans.Answer)

	assert.Empty(t, br.PendingQuestions())
	mirrored, err = ch.HGet(ctx, cache.KeyPendingQuestions, "q1")
	require.NoError(t, err)
	assert.Empty(t, mirrored)

	rows, err := st.ListUnansweredQuestions(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestQuestionTimesOutWithSystemAnswer(t *testing.T) {
	br, _, _, b, _ := testBroker(t, 30*time.Millisecond)
	ctx := context.Background()

	br.HandleQuestion(ctx, &protocol.Question{
		QuestionID: "q-slow",
		WorkerID:   "w1",
		Question:   "anyone there?",
	}, "reply.slow")

	assert.Eventually(t, func() bool {
		return b.LastPublished("reply.slow") != nil
	}, time.Second, 10*time.Millisecond)

	ans := decodeAnswer(t, b.LastPublished("reply.slow").Data)
	assert.Equal(t, "system", ans.AnsweredBy)
	assert.Equal(t, "timeout", ans.GuidanceType)
	assert.Empty(t, br.PendingQuestions())

	// A late operator answer finds nothing.
	assert.ErrorIs(t, br.Answer(ctx, "q-slow", "too late", ""), fault.ErrInvalid)
}

func TestAnswerUnknownQuestion(t *testing.T) {
	br, _, _, _, _ := testBroker(t, time.Minute)
	assert.ErrorIs(t, br.Answer(context.Background(), "never-asked", "hello", ""), fault.ErrInvalid)
}

func TestNextTaskWithEmptyQueueParksWorker(t *testing.T) {
	br, _, ch, b, _ := testBroker(t, time.Minute)
	ctx := context.Background()

	br.HandleNextTask(ctx, &protocol.NextTaskRequest{WorkerID: "w1"}, "reply.next")

	msg := b.LastPublished("reply.next")
	require.NotNil(t, msg)
	env, err := protocol.DecodeEnvelope(msg.Data)
	require.NoError(t, err)
	ack, err := protocol.Decode[protocol.Ack](env)
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.Equal(t, "waiting", ack.Status)

	mirrored, err := ch.HGet(ctx, cache.KeyNextTaskRequests, "w1")
	require.NoError(t, err)
	assert.NotEmpty(t, mirrored)
}

func TestNextTaskDrainsQueue(t *testing.T) {
	br, _, _, b, d := testBroker(t, time.Minute)
	ctx := context.Background()

	// No idle worker yet, so the task queues.
	taskID, _, err := d.Submit(ctx, dispatch.Request{Description: "queued while busy"})
	require.NoError(t, err)

	br.HandleNextTask(ctx, &protocol.NextTaskRequest{WorkerID: "w1", CompletedTaskID: "prev"}, "reply.next")

	msg := b.LastPublished("reply.next")
	require.NotNil(t, msg)
	env, err := protocol.DecodeEnvelope(msg.Data)
	require.NoError(t, err)
	ack, err := protocol.Decode[protocol.Ack](env)
	require.NoError(t, err)
	assert.Equal(t, "assigned", ack.Status)
	assert.Equal(t, taskID, ack.Note)

	require.NotNil(t, b.LastPublished(protocol.TaskSubject("w1")))
}

func TestNextTaskAssignmentClearsMirror(t *testing.T) {
	br, _, ch, _, d := testBroker(t, time.Minute)
	ctx := context.Background()

	// First ask finds nothing and leaves a mirror entry.
	br.HandleNextTask(ctx, &protocol.NextTaskRequest{WorkerID: "w1"}, "reply.first")
	mirrored, err := ch.HGet(ctx, cache.KeyNextTaskRequests, "w1")
	require.NoError(t, err)
	require.NotEmpty(t, mirrored)

	_, _, err = d.Submit(ctx, dispatch.Request{Description: "work arrives"})
	require.NoError(t, err)

	br.HandleNextTask(ctx, &protocol.NextTaskRequest{WorkerID: "w1"}, "reply.second")

	mirrored, err = ch.HGet(ctx, cache.KeyNextTaskRequests, "w1")
	require.NoError(t, err)
	assert.Empty(t, mirrored, "resolved request leaves no pending entry")
}

func TestEndSessionApproval(t *testing.T) {
	br, st, ch, b, _ := testBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, &store.Session{
		SessionID: "s1",
		WorkerID:  "w1",
		StartedAt: time.Now(),
		Status:    protocol.SessionActive,
	}))

	br.HandleEndSession(ctx, &protocol.EndSessionRequest{
		WorkerID:  "w1",
		SessionID: "s1",
		Reason:    "all tasks done",
	}, "reply.end")

	require.Len(t, br.PendingSessionEnds(), 1)
	mirrored, err := ch.HGet(ctx, cache.KeyEndSessionRequests, "w1")
	require.NoError(t, err)
	assert.NotEmpty(t, mirrored)

	require.NoError(t, br.ApproveSessionEnd(ctx, "w1", true, "good run", "archive your logs"))

	msg := b.LastPublished("reply.end")
	require.NotNil(t, msg)
	env, err := protocol.DecodeEnvelope(msg.Data)
	require.NoError(t, err)
	dec, err := protocol.Decode[protocol.EndSessionDecision](env)
	require.NoError(t, err)
	assert.True(t, dec.Approved)
	assert.Equal(t, "archive your logs", dec.FinalInstructions)
	assert.Equal(t, "manager", dec.DecidedBy)

	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionClosed, sess.Status)
	assert.NotNil(t, sess.EndedAt)
	assert.Empty(t, br.PendingSessionEnds())
}

func TestEndSessionDenialKeepsSessionOpen(t *testing.T) {
	br, st, _, b, _ := testBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, &store.Session{
		SessionID: "s1",
		WorkerID:  "w1",
		StartedAt: time.Now(),
		Status:    protocol.SessionActive,
	}))

	br.HandleEndSession(ctx, &protocol.EndSessionRequest{WorkerID: "w1", SessionID: "s1"}, "reply.end")
	require.NoError(t, br.ApproveSessionEnd(ctx, "w1", false, "finish the audit first", ""))

	env, err := protocol.DecodeEnvelope(b.LastPublished("reply.end").Data)
	require.NoError(t, err)
	dec, err := protocol.Decode[protocol.EndSessionDecision](env)
	require.NoError(t, err)
	assert.False(t, dec.Approved)

	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionActive, sess.Status)
}

func TestShutdownResolvesEverything(t *testing.T) {
	br, _, _, b, _ := testBroker(t, time.Minute)
	ctx := context.Background()

	br.HandleQuestion(ctx, &protocol.Question{QuestionID: "q1", WorkerID: "w1", Question: "?"}, "reply.q1")
	br.HandleEndSession(ctx, &protocol.EndSessionRequest{WorkerID: "w2", SessionID: "s2"}, "reply.end2")

	br.Shutdown(ctx)

	ans := decodeAnswer(t, b.LastPublished("reply.q1").Data)
	assert.Equal(t, "system", ans.AnsweredBy)
	assert.Equal(t, "shutdown", ans.GuidanceType)

	env, err := protocol.DecodeEnvelope(b.LastPublished("reply.end2").Data)
	require.NoError(t, err)
	dec, err := protocol.Decode[protocol.EndSessionDecision](env)
	require.NoError(t, err)
	assert.True(t, dec.Approved)
	assert.Equal(t, "system", dec.DecidedBy)

	assert.Empty(t, br.PendingQuestions())
	assert.Empty(t, br.PendingSessionEnds())
}
