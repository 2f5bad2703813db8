package cache

import "time"

// Cache key construction. Kept in one place so consumers cannot drift on
// naming, mirroring the subject constructors in protocol.

const (
	// KeyActiveWorkers is the set of worker ids with a live registration.
	KeyActiveWorkers = "workers:active"

	// KeyPendingQuestions is a hash of question_id -> serialized pending RPC.
	KeyPendingQuestions = "pending_questions"

	// KeyNextTaskRequests is a hash of worker_id -> serialized pending RPC.
	KeyNextTaskRequests = "next_task_requests"

	// KeyEndSessionRequests is a hash of worker_id -> serialized pending RPC.
	KeyEndSessionRequests = "end_session_requests"
)

// TTLs for the projections below.
const (
	WorkerTTL   = 30 * time.Second // refreshed by every heartbeat
	ProgressTTL = time.Hour
	TimelineTTL = time.Hour
	// ClaimGrace is added to a task's timeout to size its ownership lease.
	ClaimGrace = 30 * time.Second
	// TimelineMaxLen bounds each task's cached timeline list.
	TimelineMaxLen = 200
)

// WorkerKey holds the last-known worker JSON blob.
func WorkerKey(workerID string) string { return "worker:" + workerID }

// TaskProgressKey holds the latest progress JSON for a task.
func TaskProgressKey(taskID string) string { return "task:" + taskID + ":progress" }

// TaskTimelineKey holds the bounded progress timeline list for a task.
func TaskTimelineKey(taskID string) string { return "task:" + taskID + ":timeline" }

// TaskClaimKey is the ownership lease for a task. Exactly one worker may
// hold it; it is written with SetNX.
func TaskClaimKey(taskID string) string { return "task:" + taskID + ":claimed" }

// ClaimTTL sizes a task's ownership lease from its execution deadline.
func ClaimTTL(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return timeout + ClaimGrace
}
