// Package protocol defines the wire vocabulary of the control plane: subject
// construction, message kinds, and the typed payloads carried on the bus.
// Every payload crosses the wire inside an Envelope and is validated at the
// receiving boundary; unknown kinds and invalid payloads are dropped by the
// caller, never panicked on.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Version is the current envelope version. Receivers accept any version up
// to this one; newer versions are dropped as unknown.
const Version = 1

// Kind discriminates envelope payloads.
type Kind string

const (
	KindRegistration  Kind = "registration"
	KindHeartbeat     Kind = "heartbeat"
	KindAssignment    Kind = "assignment"
	KindRejection     Kind = "rejection"
	KindProgress      Kind = "progress"
	KindRealtime      Kind = "realtime"
	KindCompletion    Kind = "completion"
	KindEvent         Kind = "event"
	KindQuestion      Kind = "question"
	KindNextTask      Kind = "next_task"
	KindEndSession    Kind = "end_session"
	KindBroadcast     Kind = "broadcast"
	KindCommand       Kind = "command"
	KindCommandResult Kind = "command_result"
	KindAnswer        Kind = "answer"
	KindAck           Kind = "ack"
)

// Envelope is the tagged wrapper for every bus payload.
type Envelope struct {
	Kind Kind            `json:"kind"`
	V    int             `json:"v"`
	Data json.RawMessage `json:"data"`
}

var validate = validator.New()

// Encode wraps payload in a versioned envelope and marshals it.
func Encode(kind Kind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, V: Version, Data: data})
}

// DecodeEnvelope parses the outer envelope without touching the payload.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	if env.V > Version {
		return Envelope{}, fmt.Errorf("decode envelope: unsupported version %d", env.V)
	}
	return env, nil
}

// Decode unmarshals and validates an envelope payload.
func Decode[T any](env Envelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("validate %s: %w", env.Kind, err)
	}
	return &payload, nil
}

// Capabilities advertises what a worker can take on.
type Capabilities struct {
	MaxConcurrentTasks int      `json:"max_concurrent_tasks" validate:"min=1"`
	MaxMemoryMB        int      `json:"max_memory_mb"`
	FeatureTags        []string `json:"feature_tags,omitempty"`
}

// SystemInfo is a point-in-time host snapshot.
type SystemInfo struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	NumCPU        int    `json:"num_cpu"`
	TotalMemoryMB int    `json:"total_memory_mb"`
}

// Registration is published on SubjectRegister when a worker boots.
type Registration struct {
	WorkerID     string            `json:"worker_id" validate:"required"`
	Hostname     string            `json:"hostname"`
	Tags         []string          `json:"tags,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	SystemInfo   SystemInfo        `json:"system_info"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Ack is the generic reply for request-reply flows that only need a status.
type Ack struct {
	OK     bool   `json:"ok"`
	Status string `json:"status,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Heartbeat is published every heartbeat interval.
type Heartbeat struct {
	WorkerID    string       `json:"worker_id" validate:"required"`
	Status      WorkerStatus `json:"status"`
	ActiveTasks int          `json:"active_tasks"`
	SystemInfo  SystemInfo   `json:"system_info"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Assignment is published on the worker's task subject (or a broadcast
// subject, in which case Broadcast is set and the worker must win the claim
// lease before starting).
type Assignment struct {
	TaskID      string    `json:"task_id" validate:"required"`
	Description string    `json:"description" validate:"required"`
	Priority    Priority  `json:"priority"`
	TimeoutMS   int64     `json:"timeout_ms"`
	SessionID   string    `json:"session_id,omitempty"`
	Broadcast   bool      `json:"broadcast,omitempty"`
	Attempt     int       `json:"attempt"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// Rejection tells the manager a worker refused an assignment.
type Rejection struct {
	TaskID   string `json:"task_id" validate:"required"`
	WorkerID string `json:"worker_id" validate:"required"`
	Reason   string `json:"reason"`
}

// TaskMetrics are the per-task counters scraped from the agent's output.
type TaskMetrics struct {
	MemoryMB        float64 `json:"memory_mb,omitempty"`
	CPUPercent      float64 `json:"cpu_percent,omitempty"`
	ToolCalls       int64   `json:"tool_calls"`
	PagesVisited    int64   `json:"pages_visited"`
	Screenshots     int64   `json:"screenshots"`
	NetworkRequests int64   `json:"network_requests"`
	Errors          int64   `json:"errors"`
}

// Progress is a point-in-time task progress record. PercentComplete is
// non-decreasing for a given task until it reaches a terminal status.
type Progress struct {
	TaskID          string      `json:"task_id" validate:"required"`
	WorkerID        string      `json:"worker_id" validate:"required"`
	Status          TaskStatus  `json:"status"`
	PercentComplete float64     `json:"percent_complete" validate:"gte=0,lte=100"`
	Phase           string      `json:"phase,omitempty"`
	Metrics         TaskMetrics `json:"metrics"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Realtime is a streaming analytics sample, finer-grained than Progress.
type Realtime struct {
	WorkerID  string      `json:"worker_id" validate:"required"`
	TaskID    string      `json:"task_id,omitempty"`
	Metrics   TaskMetrics `json:"metrics"`
	Timestamp time.Time   `json:"timestamp"`
}

// Completion reports the terminal outcome of a task.
type Completion struct {
	TaskID      string      `json:"task_id" validate:"required"`
	WorkerID    string      `json:"worker_id" validate:"required"`
	Status      TaskStatus  `json:"status" validate:"required"`
	Success     bool        `json:"success"`
	ExitCode    int         `json:"exit_code"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	DurationMS  int64       `json:"duration_ms"`
	Metrics     TaskMetrics `json:"metrics"`
}

// Event is an append-only audit record scoped to a worker.
type Event struct {
	WorkerID  string         `json:"worker_id" validate:"required"`
	EventType string         `json:"event_type" validate:"required"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Question is a worker-initiated request that blocks on an operator reply.
type Question struct {
	QuestionID   string         `json:"question_id" validate:"required"`
	WorkerID     string         `json:"worker_id" validate:"required"`
	SessionID    string         `json:"session_id,omitempty"`
	Question     string         `json:"question" validate:"required"`
	QuestionType string         `json:"question_type,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	AskedAt      time.Time      `json:"asked_at"`
}

// Answer resolves a Question. AnsweredBy is "manager" for operator answers
// and "system" for synthesized timeout/shutdown replies.
type Answer struct {
	QuestionID   string `json:"question_id"`
	Answer       string `json:"answer"`
	GuidanceType string `json:"guidance_type,omitempty"`
	AnsweredBy   string `json:"answered_by"`
}

// NextTaskRequest asks for more work after a completion.
type NextTaskRequest struct {
	WorkerID        string `json:"worker_id" validate:"required"`
	SessionID       string `json:"session_id,omitempty"`
	CompletedTaskID string `json:"completed_task_id,omitempty"`
}

// EndSessionRequest proposes closing the worker's session.
type EndSessionRequest struct {
	WorkerID  string `json:"worker_id" validate:"required"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// EndSessionDecision is the operator's verdict on an EndSessionRequest.
type EndSessionDecision struct {
	Approved          bool   `json:"approved"`
	Reason            string `json:"reason,omitempty"`
	FinalInstructions string `json:"final_instructions,omitempty"`
	DecidedBy         string `json:"decided_by"`
}

// Broadcast is a free-form operator message to one or all workers.
type Broadcast struct {
	Message   string    `json:"message" validate:"required"`
	From      string    `json:"from,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Command names accepted on the worker command subject.
const (
	CommandPause        = "pause"
	CommandResume       = "resume"
	CommandStop         = "stop"
	CommandUpdateConfig = "update_config"
	CommandClearQueue   = "clear_queue"
	CommandStatus       = "status"
)

// Command is a control instruction for one worker.
type Command struct {
	Name string            `json:"name" validate:"required"`
	Args map[string]string `json:"args,omitempty"`
}

// CommandResult is the worker's reply to a Command.
type CommandResult struct {
	WorkerID    string   `json:"worker_id"`
	Command     string   `json:"command"`
	OK          bool     `json:"ok"`
	Detail      string   `json:"detail,omitempty"`
	Status      string   `json:"status,omitempty"`
	ActiveTasks []string `json:"active_tasks,omitempty"`
}
