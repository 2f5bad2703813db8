package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/protocol"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres initializes the pool and verifies connectivity.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse conn string: %w", fault.ErrInvalid)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", fault.ErrUnavailable)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", fault.ErrUnavailable)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// --- Worker operations ---

func (s *Postgres) UpsertWorker(ctx context.Context, w *Worker) error {
	query := `
		INSERT INTO workers (worker_id, hostname, status, tags, capabilities, system_info, registered_at, last_heartbeat, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			status = EXCLUDED.status,
			tags = EXCLUDED.tags,
			capabilities = EXCLUDED.capabilities,
			system_info = EXCLUDED.system_info,
			last_heartbeat = GREATEST(workers.last_heartbeat, EXCLUDED.last_heartbeat),
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		w.WorkerID, w.Hostname, string(w.Status), w.Tags,
		mustJSON(w.Capabilities), mustJSON(w.SystemInfo),
		w.RegisteredAt, w.LastHeartbeat, mustJSON(w.Metadata),
	)
	return classify(err)
}

const workerColumns = `worker_id, hostname, status, tags, capabilities, system_info, registered_at, last_heartbeat, metadata, updated_at`

func scanWorker(row pgx.Row) (*Worker, error) {
	var w Worker
	var status string
	var caps, sysInfo, meta []byte
	err := row.Scan(&w.WorkerID, &w.Hostname, &status, &w.Tags, &caps, &sysInfo,
		&w.RegisteredAt, &w.LastHeartbeat, &meta, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = protocol.WorkerStatus(status)
	json.Unmarshal(caps, &w.Capabilities)    //nolint:errcheck
	json.Unmarshal(sysInfo, &w.SystemInfo)   //nolint:errcheck
	json.Unmarshal(meta, &w.Metadata)        //nolint:errcheck
	return &w, nil
}

func (s *Postgres) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE worker_id = $1`
	w, err := scanWorker(s.pool.QueryRow(ctx, query, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return w, nil
}

func (s *Postgres) ListWorkers(ctx context.Context, statusFilter protocol.WorkerStatus) ([]*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	args := []any{}
	if statusFilter != "" {
		query += ` WHERE status = $1`
		args = append(args, string(statusFilter))
	}
	query += ` ORDER BY registered_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, classify(err)
		}
		workers = append(workers, w)
	}
	return workers, classify(rows.Err())
}

func (s *Postgres) UpdateWorkerStatus(ctx context.Context, workerID string, status protocol.WorkerStatus, at time.Time) error {
	query := `UPDATE workers SET status = $2, updated_at = $3 WHERE worker_id = $1`
	tag, err := s.pool.Exec(ctx, query, workerID, string(status), at)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", workerID, fault.ErrConflict)
	}
	return nil
}

func (s *Postgres) UpdateWorkerHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	// Heartbeat conflicts always prefer the later value.
	query := `UPDATE workers SET last_heartbeat = GREATEST(last_heartbeat, $2), updated_at = NOW() WHERE worker_id = $1`
	tag, err := s.pool.Exec(ctx, query, workerID, at)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", workerID, fault.ErrConflict)
	}
	return nil
}

// --- Task operations ---

func (s *Postgres) CreateTask(ctx context.Context, t *Task) error {
	query := `
		INSERT INTO tasks (task_id, description, status, priority, assigned_worker, session_id, timeout_ms, retry_count, analytics, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, NOW())
		ON CONFLICT (task_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		t.TaskID, t.Description, string(t.Status), string(t.Priority),
		t.AssignedWorker, t.SessionID, t.TimeoutMS, t.RetryCount,
		mustJSON(t.Analytics), t.CreatedAt,
	)
	return classify(err)
}

const taskColumns = `task_id, description, status, priority, COALESCE(assigned_worker, ''), COALESCE(session_id, ''), created_at, started_at, completed_at, timeout_ms, execution_time_ms, retry_count, COALESCE(result, ''), COALESCE(error_message, ''), analytics, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var status, priority string
	var analytics []byte
	err := row.Scan(&t.TaskID, &t.Description, &status, &priority, &t.AssignedWorker,
		&t.SessionID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.TimeoutMS,
		&t.ExecutionTimeMS, &t.RetryCount, &t.Result, &t.ErrorMessage, &analytics, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = protocol.TaskStatus(status)
	t.Priority = protocol.Priority(priority)
	json.Unmarshal(analytics, &t.Analytics) //nolint:errcheck
	return &t, nil
}

func (s *Postgres) GetTask(ctx context.Context, taskID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`
	t, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

func (s *Postgres) MarkTaskAssigned(ctx context.Context, taskID, workerID string, attempt int, at time.Time) error {
	query := `
		UPDATE tasks SET status = 'assigned', assigned_worker = $2, retry_count = $3, updated_at = $4
		WHERE task_id = $1 AND status IN ('pending', 'assigned')
	`
	tag, err := s.pool.Exec(ctx, query, taskID, workerID, attempt, at)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not assignable: %w", taskID, fault.ErrConflict)
	}
	return nil
}

func (s *Postgres) MarkTaskRunning(ctx context.Context, taskID, workerID string, startedAt time.Time) error {
	// Idempotent: started_at is only set once, and terminal rows are untouched.
	// Broadcast-claimed tasks adopt the reporting worker as their owner.
	query := `
		UPDATE tasks SET status = 'running', assigned_worker = COALESCE(assigned_worker, NULLIF($3, '')),
			started_at = COALESCE(started_at, $2), updated_at = NOW()
		WHERE task_id = $1 AND status IN ('pending', 'assigned', 'running')
	`
	_, err := s.pool.Exec(ctx, query, taskID, startedAt, workerID)
	return classify(err)
}

func (s *Postgres) CompleteTask(ctx context.Context, taskID, workerID string, status protocol.TaskStatus, completedAt time.Time,
	executionMS int64, errorMessage string, result string, analytics protocol.TaskMetrics) (bool, error) {
	query := `
		UPDATE tasks SET status = $2, assigned_worker = COALESCE(assigned_worker, NULLIF($8, '')),
			completed_at = $3, execution_time_ms = $4,
			error_message = NULLIF($5, ''), result = NULLIF($6, ''), analytics = $7, updated_at = NOW()
		WHERE task_id = $1 AND status NOT IN ('completed', 'failed', 'rejected', 'timeout')
	`
	tag, err := s.pool.Exec(ctx, query, taskID, string(status), completedAt,
		executionMS, errorMessage, result, mustJSON(analytics), workerID)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) RequeueTask(ctx context.Context, taskID, fromWorker string) error {
	// Compare-and-set on assigned_worker so a racing completion wins.
	query := `
		UPDATE tasks SET status = 'pending', assigned_worker = NULL, retry_count = retry_count + 1, updated_at = NOW()
		WHERE task_id = $1 AND assigned_worker = $2
		  AND status NOT IN ('completed', 'failed', 'rejected', 'timeout')
	`
	tag, err := s.pool.Exec(ctx, query, taskID, fromWorker)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s moved on: %w", taskID, fault.ErrConflict)
	}
	return nil
}

func (s *Postgres) FailTask(ctx context.Context, taskID, reason string, at time.Time) error {
	query := `
		UPDATE tasks SET status = 'failed', error_message = $2, completed_at = $3, updated_at = NOW()
		WHERE task_id = $1 AND status NOT IN ('completed', 'failed', 'rejected', 'timeout')
	`
	_, err := s.pool.Exec(ctx, query, taskID, reason, at)
	return classify(err)
}

func (s *Postgres) ListActiveTasksByWorker(ctx context.Context, workerID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE assigned_worker = $1 AND status IN ('assigned', 'running')`
	return s.listTasks(ctx, query, workerID)
}

func (s *Postgres) ListTasksByStatus(ctx context.Context, status protocol.TaskStatus, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at LIMIT $2`
	return s.listTasks(ctx, query, string(status), limit)
}

func (s *Postgres) listTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify(err)
		}
		tasks = append(tasks, t)
	}
	return tasks, classify(rows.Err())
}

// --- Append-only streams ---

func (s *Postgres) InsertProgress(ctx context.Context, p *ProgressRecord) error {
	query := `
		INSERT INTO task_progress (task_id, worker_id, status, phase, percent_complete, metrics, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, p.TaskID, p.WorkerID, string(p.Status),
		p.Phase, p.PercentComplete, mustJSON(p.Metrics), p.Timestamp)
	return classify(err)
}

func (s *Postgres) ListProgress(ctx context.Context, taskID string, limit int) ([]*ProgressRecord, error) {
	query := `
		SELECT id, task_id, worker_id, status, COALESCE(phase, ''), percent_complete, metrics, timestamp
		FROM task_progress WHERE task_id = $1 ORDER BY timestamp DESC, id DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, taskID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []*ProgressRecord
	for rows.Next() {
		var p ProgressRecord
		var status string
		var metrics []byte
		if err := rows.Scan(&p.ID, &p.TaskID, &p.WorkerID, &status, &p.Phase,
			&p.PercentComplete, &metrics, &p.Timestamp); err != nil {
			return nil, classify(err)
		}
		p.Status = protocol.TaskStatus(status)
		json.Unmarshal(metrics, &p.Metrics) //nolint:errcheck
		records = append(records, &p)
	}
	return records, classify(rows.Err())
}

func (s *Postgres) InsertEvent(ctx context.Context, e *EventRecord) error {
	query := `
		INSERT INTO events (worker_id, event_type, task_id, event_data, timestamp)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`
	_, err := s.pool.Exec(ctx, query, e.WorkerID, e.EventType, e.TaskID, mustJSON(e.Data), e.Timestamp)
	return classify(err)
}

func (s *Postgres) ListEventsByWorker(ctx context.Context, workerID string, limit int) ([]*EventRecord, error) {
	query := `
		SELECT id, worker_id, event_type, COALESCE(task_id, ''), event_data, timestamp
		FROM events WHERE worker_id = $1 ORDER BY timestamp DESC, id DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, workerID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var e EventRecord
		var data []byte
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.EventType, &e.TaskID, &data, &e.Timestamp); err != nil {
			return nil, classify(err)
		}
		json.Unmarshal(data, &e.Data) //nolint:errcheck
		events = append(events, &e)
	}
	return events, classify(rows.Err())
}

// --- Questions ---

func (s *Postgres) InsertQuestion(ctx context.Context, q *QuestionRecord) error {
	query := `
		INSERT INTO questions (question_id, worker_id, question, question_type, context, asked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (question_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query, q.QuestionID, q.WorkerID, q.Question,
		q.QuestionType, mustJSON(q.Context), q.AskedAt)
	return classify(err)
}

func (s *Postgres) AnswerQuestion(ctx context.Context, questionID, answer, answeredBy string, at time.Time) (bool, error) {
	// Exactly one resolution: the guard on answered_at makes the second
	// writer a no-op.
	query := `
		UPDATE questions SET answer = $2, answered_by = $3, answered_at = $4
		WHERE question_id = $1 AND answered_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, questionID, answer, answeredBy, at)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ListUnansweredQuestions(ctx context.Context, workerID string) ([]*QuestionRecord, error) {
	query := `
		SELECT question_id, worker_id, question, COALESCE(question_type, ''), context, asked_at
		FROM questions WHERE answered_at IS NULL
	`
	args := []any{}
	if workerID != "" {
		query += ` AND worker_id = $1`
		args = append(args, workerID)
	}
	query += ` ORDER BY asked_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var questions []*QuestionRecord
	for rows.Next() {
		var q QuestionRecord
		var qctx []byte
		if err := rows.Scan(&q.QuestionID, &q.WorkerID, &q.Question, &q.QuestionType, &qctx, &q.AskedAt); err != nil {
			return nil, classify(err)
		}
		json.Unmarshal(qctx, &q.Context) //nolint:errcheck
		questions = append(questions, &q)
	}
	return questions, classify(rows.Err())
}

// --- Sessions ---

func (s *Postgres) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (session_id, worker_id, started_at, tasks_completed, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query, sess.SessionID, sess.WorkerID, sess.StartedAt,
		sess.TasksCompleted, sess.Status)
	return classify(err)
}

func (s *Postgres) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT session_id, worker_id, started_at, ended_at, tasks_completed, status FROM sessions WHERE session_id = $1`
	var sess Session
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(&sess.SessionID, &sess.WorkerID,
		&sess.StartedAt, &sess.EndedAt, &sess.TasksCompleted, &sess.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &sess, nil
}

func (s *Postgres) CloseSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE sessions SET status = 'closed', ended_at = COALESCE(ended_at, $2) WHERE session_id = $1`
	_, err := s.pool.Exec(ctx, query, sessionID, at)
	return classify(err)
}

func (s *Postgres) IncrementSessionTasks(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET tasks_completed = tasks_completed + 1 WHERE session_id = $1`
	_, err := s.pool.Exec(ctx, query, sessionID)
	return classify(err)
}

// --- Aggregates ---

func (s *Postgres) AggregateAnalytics(ctx context.Context, since time.Time) (*Analytics, error) {
	agg := &Analytics{Since: since, TasksPerWorker: make(map[string]int64)}

	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'timeout'),
			COALESCE(AVG(execution_time_ms) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM((analytics->>'tool_calls')::bigint), 0),
			COALESCE(SUM((analytics->>'pages_visited')::bigint), 0)
		FROM tasks WHERE created_at >= $1
	`
	err := s.pool.QueryRow(ctx, query, since).Scan(&agg.TotalTasks, &agg.Completed,
		&agg.Failed, &agg.TimedOut, &agg.AvgExecutionMS, &agg.TotalToolCalls, &agg.TotalPageVisits)
	if err != nil {
		return nil, classify(err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT assigned_worker, COUNT(*) FROM tasks WHERE created_at >= $1 AND assigned_worker IS NOT NULL GROUP BY assigned_worker`, since)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var worker string
		var count int64
		if err := rows.Scan(&worker, &count); err != nil {
			return nil, classify(err)
		}
		agg.TasksPerWorker[worker] = count
	}
	return agg, classify(rows.Err())
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("store: %w", fault.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, fault.ErrConflict), errors.Is(err, fault.ErrInvalid):
		return err
	case errors.As(err, &pgErr) && pgErr.Code == "23505": // unique_violation
		return fmt.Errorf("store: %v: %w", err, fault.ErrConflict)
	default:
		return fmt.Errorf("store: %v: %w", err, fault.ErrUnavailable)
	}
}
