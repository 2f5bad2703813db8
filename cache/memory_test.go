package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNXLeaseSemantics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, TaskClaimKey("t1"), "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, TaskClaimKey("t1"), "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claimant loses")

	owner, err := m.Get(ctx, TaskClaimKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, "w1", owner)

	require.NoError(t, m.Del(ctx, TaskClaimKey("t1")))
	ok, err = m.SetNX(ctx, TaskClaimKey("t1"), "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lease can be retaken")
}

func TestTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.Now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	v, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, v, "value gone past its TTL")

	// An expired lease can be reclaimed.
	now = time.Now()
	ok, err := m.SetNX(ctx, "lease", "w1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	now = now.Add(time.Minute)
	ok, err = m.SetNX(ctx, "lease", "w2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpireRefreshesTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.Now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", "v", time.Second))
	now = now.Add(500 * time.Millisecond)
	require.NoError(t, m.Expire(ctx, "k", time.Minute))

	now = now.Add(30 * time.Second)
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestHashOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.HSet(ctx, KeyPendingQuestions, "q1", `{"x":1}`))
	require.NoError(t, m.HSet(ctx, KeyPendingQuestions, "q2", `{"x":2}`))

	v, err := m.HGet(ctx, KeyPendingQuestions, "q1")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, v)

	all, err := m.HGetAll(ctx, KeyPendingQuestions)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, m.HDel(ctx, KeyPendingQuestions, "q1"))
	all, err = m.HGetAll(ctx, KeyPendingQuestions)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "q2")
}

func TestListAppendNewestFirstAndTrimmed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.ListAppend(ctx, "timeline", v, 3, 0))
	}

	got, err := m.ListRange(ctx, "timeline", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, got, "newest first, capped at maxLen")

	head, err := m.ListRange(ctx, "timeline", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, head)

	empty, err := m.ListRange(ctx, "missing", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSetOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, KeyActiveWorkers, "w1", "w2"))
	require.NoError(t, m.SAdd(ctx, KeyActiveWorkers, "w2"))

	members, err := m.SMembers(ctx, KeyActiveWorkers)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2"}, members)

	require.NoError(t, m.SRem(ctx, KeyActiveWorkers, "w1"))
	members, err = m.SMembers(ctx, KeyActiveWorkers)
	require.NoError(t, err)
	assert.Equal(t, []string{"w2"}, members)
}

func TestClaimTTLCoversTaskTimeout(t *testing.T) {
	assert.Equal(t, 90*time.Second, ClaimTTL(time.Minute))
	assert.Greater(t, ClaimTTL(0), time.Duration(0))
}
