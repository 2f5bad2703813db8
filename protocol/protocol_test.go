package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	raw, err := Encode(KindHeartbeat, Heartbeat{WorkerID: "w1", Status: WorkerIdle})
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, env.Kind)
	assert.Equal(t, Version, env.V)

	hb, err := Decode[Heartbeat](env)
	require.NoError(t, err)
	assert.Equal(t, "w1", hb.WorkerID)
	assert.Equal(t, WorkerIdle, hb.Status)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"v":1,"data":{}}`))
	assert.Error(t, err, "missing kind")

	_, err = DecodeEnvelope([]byte(`{"kind":"heartbeat","v":99,"data":{}}`))
	assert.Error(t, err, "newer version")
}

func TestDecodeValidatesPayload(t *testing.T) {
	// worker_id is required.
	raw, err := Encode(KindHeartbeat, Heartbeat{})
	require.NoError(t, err)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	_, err = Decode[Heartbeat](env)
	assert.Error(t, err)

	// percent_complete is bounded.
	raw, err = Encode(KindProgress, Progress{TaskID: "t", WorkerID: "w", PercentComplete: 140})
	require.NoError(t, err)
	env, err = DecodeEnvelope(raw)
	require.NoError(t, err)
	_, err = Decode[Progress](env)
	assert.Error(t, err)
}

func TestTaskStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskRejected, TaskTimeout} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []TaskStatus{TaskPending, TaskAssigned, TaskRunning} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("mystery").Rank())
}

func TestSubjectConstruction(t *testing.T) {
	assert.Equal(t, "worker.task.w1", TaskSubject("w1"))
	assert.Equal(t, "task.progress.t9", ProgressSubject("t9"))
	assert.Equal(t, "manager.question.w2", QuestionSubject("w2"))
	assert.Equal(t, "w1", LastSegment(TaskSubject("w1")))
	assert.Equal(t, "plain", LastSegment("plain"))
}
