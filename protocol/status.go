package protocol

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "initializing"
	WorkerIdle         WorkerStatus = "idle"
	WorkerBusy         WorkerStatus = "busy"
	WorkerOffline      WorkerStatus = "offline"
	WorkerUnresponsive WorkerStatus = "unresponsive"
)

// TaskStatus is the lifecycle state of a task. Transitions are monotonic:
// a task never leaves a terminal status.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRejected  TaskStatus = "rejected"
	TaskTimeout   TaskStatus = "timeout"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskRejected, TaskTimeout:
		return true
	}
	return false
}

// Priority orders pending tasks. Unknown values rank as normal.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps priority to a sortable weight; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Session lifecycle states.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Well-known event types recorded in the audit log.
const (
	EventTaskAssigned  = "task_assigned"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskTimeout   = "task_timeout"
	EventTaskRejected  = "task_rejected"
	EventStatusChange  = "status_change"
	EventRegistered    = "registered"
)

// Rejection reasons.
const (
	ReasonQueueFull  = "queue_full"
	ReasonPaused     = "paused"
	ReasonWorkerLost = "worker_lost"
)
