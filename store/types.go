package store

import (
	"time"

	"github.com/itskum47/flotilla/protocol"
)

// Worker is the authoritative record of an execution node. Rows are never
// deleted; a departed worker is marked offline.
type Worker struct {
	WorkerID      string                `json:"worker_id"`
	Hostname      string                `json:"hostname"`
	Status        protocol.WorkerStatus `json:"status"`
	Tags          []string              `json:"tags,omitempty"`
	Capabilities  protocol.Capabilities `json:"capabilities"`
	SystemInfo    protocol.SystemInfo   `json:"system_info"`
	RegisteredAt  time.Time             `json:"registered_at"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Metadata      map[string]string     `json:"metadata,omitempty"`

	// CurrentLoad is a derived field populated on merged reads; it is not a
	// column.
	CurrentLoad int `json:"current_load,omitempty"`
}

// Task is one unit of dispatched work.
type Task struct {
	TaskID          string               `json:"task_id"`
	Description     string               `json:"description"`
	Status          protocol.TaskStatus  `json:"status"`
	Priority        protocol.Priority    `json:"priority"`
	AssignedWorker  string               `json:"assigned_worker,omitempty"`
	SessionID       string               `json:"session_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	TimeoutMS       int64                `json:"timeout_ms"`
	ExecutionTimeMS int64                `json:"execution_time_ms"`
	RetryCount      int                  `json:"retry_count"`
	Result          string               `json:"result,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	Analytics       protocol.TaskMetrics `json:"analytics"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// ProgressRecord is one append-only progress row for a task.
type ProgressRecord struct {
	ID              int64                `json:"id"`
	TaskID          string               `json:"task_id"`
	WorkerID        string               `json:"worker_id"`
	Status          protocol.TaskStatus  `json:"status"`
	Phase           string               `json:"phase,omitempty"`
	PercentComplete float64              `json:"percent_complete"`
	Metrics         protocol.TaskMetrics `json:"metrics"`
	Timestamp       time.Time            `json:"timestamp"`
}

// EventRecord is one append-only audit row.
type EventRecord struct {
	ID        int64          `json:"id"`
	WorkerID  string         `json:"worker_id"`
	EventType string         `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// QuestionRecord is the durable trail of a worker question.
type QuestionRecord struct {
	QuestionID   string         `json:"question_id"`
	WorkerID     string         `json:"worker_id"`
	Question     string         `json:"question"`
	QuestionType string         `json:"question_type,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	AskedAt      time.Time      `json:"asked_at"`
	Answer       string         `json:"answer,omitempty"`
	AnsweredBy   string         `json:"answered_by,omitempty"`
	AnsweredAt   *time.Time     `json:"answered_at,omitempty"`
}

// Session groups the tasks of one long-lived worker run.
type Session struct {
	SessionID      string     `json:"session_id"`
	WorkerID       string     `json:"worker_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	TasksCompleted int        `json:"tasks_completed"`
	Status         string     `json:"status"`
}

// Analytics is the aggregate returned by get_worker_analytics.
type Analytics struct {
	Since           time.Time         `json:"since"`
	TotalTasks      int64             `json:"total_tasks"`
	Completed       int64             `json:"completed"`
	Failed          int64             `json:"failed"`
	TimedOut        int64             `json:"timed_out"`
	AvgExecutionMS  float64           `json:"avg_execution_ms"`
	TasksPerWorker  map[string]int64  `json:"tasks_per_worker"`
	TotalToolCalls  int64             `json:"total_tool_calls"`
	TotalPageVisits int64             `json:"total_page_visits"`
}
