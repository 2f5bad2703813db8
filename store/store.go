// Package store owns the durable record of workers, tasks, progress, events,
// questions, and sessions. Postgres is the implementation of record; Memory
// carries the same semantics for tests.
//
// Lookup methods return (nil, nil) on a miss. Mutations are upserts keyed on
// entity ids so that duplicate delivery of any bus message collapses to a
// single row. Writes are durable before they are acknowledged.
package store

import (
	"context"
	"time"

	"github.com/itskum47/flotilla/protocol"
)

// Store is the durable seam. Implementations must be safe for concurrent use.
type Store interface {
	// Worker operations.
	UpsertWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, workerID string) (*Worker, error)
	ListWorkers(ctx context.Context, statusFilter protocol.WorkerStatus) ([]*Worker, error)
	UpdateWorkerStatus(ctx context.Context, workerID string, status protocol.WorkerStatus, at time.Time) error
	UpdateWorkerHeartbeat(ctx context.Context, workerID string, at time.Time) error

	// Task operations.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	// MarkTaskAssigned records an optimistic dispatch.
	MarkTaskAssigned(ctx context.Context, taskID, workerID string, attempt int, at time.Time) error
	// MarkTaskRunning is the worker's confirmation; a no-op once terminal.
	// Broadcast-claimed tasks never pass through MarkTaskAssigned, so this
	// also adopts workerID as assigned_worker when the column is still empty.
	MarkTaskRunning(ctx context.Context, taskID, workerID string, startedAt time.Time) error
	// CompleteTask applies a terminal outcome exactly once; the second
	// delivery of the same completion affects zero rows and returns false.
	// Like MarkTaskRunning it adopts workerID when assigned_worker is empty.
	CompleteTask(ctx context.Context, taskID, workerID string, status protocol.TaskStatus, completedAt time.Time,
		executionMS int64, errorMessage string, result string, analytics protocol.TaskMetrics) (bool, error)
	// RequeueTask moves a non-terminal task back to pending and clears its
	// worker, guarded by a compare-and-set on assigned_worker. Returns
	// fault.ErrConflict when the task moved on (completed or reassigned).
	RequeueTask(ctx context.Context, taskID, fromWorker string) error
	// FailTask terminally fails a non-terminal task.
	FailTask(ctx context.Context, taskID, reason string, at time.Time) error
	ListActiveTasksByWorker(ctx context.Context, workerID string) ([]*Task, error)
	ListTasksByStatus(ctx context.Context, status protocol.TaskStatus, limit int) ([]*Task, error)

	// Append-only streams.
	InsertProgress(ctx context.Context, p *ProgressRecord) error
	ListProgress(ctx context.Context, taskID string, limit int) ([]*ProgressRecord, error)
	InsertEvent(ctx context.Context, e *EventRecord) error
	ListEventsByWorker(ctx context.Context, workerID string, limit int) ([]*EventRecord, error)

	// Questions.
	InsertQuestion(ctx context.Context, q *QuestionRecord) error
	// AnswerQuestion records the single resolution; reports whether this
	// call was the one that answered it.
	AnswerQuestion(ctx context.Context, questionID, answer, answeredBy string, at time.Time) (bool, error)
	ListUnansweredQuestions(ctx context.Context, workerID string) ([]*QuestionRecord, error)

	// Sessions.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	CloseSession(ctx context.Context, sessionID string, at time.Time) error
	IncrementSessionTasks(ctx context.Context, sessionID string) error

	// Aggregates.
	AggregateAnalytics(ctx context.Context, since time.Time) (*Analytics, error)

	Close()
}
