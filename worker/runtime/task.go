package runtime

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/itskum47/flotilla/protocol"
)

// killGrace is how long a timed-out agent gets between SIGTERM and SIGKILL.
const killGrace = 10 * time.Second

// taskRun executes one assignment: the agent child process, output parsing,
// periodic progress, question forwarding, and the completion report.
type taskRun struct {
	w      *Worker
	assign *protocol.Assignment
	parser *outputParser

	mu       sync.Mutex
	percent  float64
	stopped  bool
	proc     *os.Process
	stdin    io.WriteCloser
	timedOut bool

	// realtime samples are throttled so a chatty agent cannot flood the bus
	realtimeLimit *rate.Limiter
}

func newTaskRun(w *Worker, assign *protocol.Assignment) *taskRun {
	return &taskRun{
		w:             w,
		assign:        assign,
		parser:        newOutputParser(),
		realtimeLimit: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
}

// stop requests early termination.
func (r *taskRun) stop() {
	r.mu.Lock()
	r.stopped = true
	proc := r.proc
	r.mu.Unlock()
	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
}

// execute runs the agent to completion, reports the outcome, and returns the
// terminal status. It never returns an error; failures become a failed
// completion.
func (r *taskRun) execute(ctx context.Context) protocol.TaskStatus {
	w := r.w
	started := time.Now()
	w.log.Info().Str("task", r.assign.TaskID).Int("attempt", r.assign.Attempt).Msg("task started")

	r.publishEvent(protocol.EventTaskStarted, nil)
	r.publishProgress(protocol.TaskRunning, 0)

	timeout := time.Duration(r.assign.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	exitCode, runErr := r.runAgent(ctx, timeout)

	duration := time.Since(started)
	metrics, _ := r.parser.Snapshot()

	status := protocol.TaskCompleted
	errMsg := ""
	switch {
	case r.isTimedOut():
		status = protocol.TaskTimeout
		errMsg = "agent exceeded timeout"
	case runErr != nil:
		status = protocol.TaskFailed
		errMsg = runErr.Error()
	case exitCode != 0:
		status = protocol.TaskFailed
		errMsg = "agent exited " + strconv.Itoa(exitCode)
	}

	r.publishProgress(status, 100)

	payload, err := protocol.Encode(protocol.KindCompletion, protocol.Completion{
		TaskID:      r.assign.TaskID,
		WorkerID:    w.cfg.WorkerID,
		Status:      status,
		Success:     status == protocol.TaskCompleted,
		ExitCode:    exitCode,
		Error:       errMsg,
		StartedAt:   started,
		CompletedAt: time.Now(),
		DurationMS:  duration.Milliseconds(),
		Metrics:     metrics,
	})
	if err == nil {
		if err := w.bus.Publish(protocol.SubjectCompletion, payload); err != nil {
			w.log.Error().Err(err).Str("task", r.assign.TaskID).Msg("publish completion")
		}
	}

	w.log.Info().Str("task", r.assign.TaskID).Str("status", string(status)).
		Dur("duration", duration).Msg("task finished")
	return status
}

// runAgent starts the child and pumps its output until exit or deadline.
func (r *taskRun) runAgent(ctx context.Context, timeout time.Duration) (int, error) {
	w := r.w
	args := append([]string(nil), w.cfg.AgentCommand...)
	args = append(args, r.assign.Description)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"TASK_ID="+r.assign.TaskID,
		"WORKER_ID="+w.cfg.WorkerID,
		"SESSION_ID="+r.assign.SessionID,
	)
	// Own process group so a kill reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return -1, err
	}

	if err := cmd.Start(); err != nil {
		return -1, err
	}
	r.mu.Lock()
	r.proc = cmd.Process
	r.stdin = stdin
	r.mu.Unlock()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); r.pump(stdout) }()
	go func() { defer pumps.Done(); r.pump(stderr) }()

	progressTicker := time.NewTicker(w.cfg.ProgressReportInterval)
	defer progressTicker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	waitErr := make(chan error, 1)
	go func() {
		pumps.Wait()
		waitErr <- cmd.Wait()
	}()

	for {
		select {
		case err := <-waitErr:
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					return exitErr.ExitCode(), nil
				}
				return -1, err
			}
			return 0, nil

		case <-progressTicker.C:
			r.publishProgress(protocol.TaskRunning, r.estimate(timeout))

		case <-deadline.C:
			r.markTimedOut()
			w.log.Warn().Str("task", r.assign.TaskID).Msg("timeout, terminating agent")
			r.terminate(cmd)
			err := <-waitErr
			code := -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else if err == nil {
				code = 0
			}
			return code, nil

		case <-ctx.Done():
			r.terminate(cmd)
			<-waitErr
			return -1, ctx.Err()
		}
	}
}

// terminate sends SIGTERM to the process group, escalating to SIGKILL after
// the grace window.
func (r *taskRun) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	go func(pid int) {
		time.Sleep(killGrace)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}(pgid)
}

// pump consumes one output stream line by line.
func (r *taskRun) pump(stream io.Reader) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if q, ok := parseQuestion(line); ok {
			go r.forwardQuestion(q)
			continue
		}
		r.parser.Consume(line)
		if r.realtimeLimit.Allow() {
			r.publishRealtime()
		}
	}
}

// parseQuestion recognizes "[question] <text>" markers in agent output.
func parseQuestion(line string) (string, bool) {
	const tag = "[question]"
	i := strings.Index(strings.ToLower(line), tag)
	if i < 0 {
		return "", false
	}
	q := strings.TrimSpace(line[i+len(tag):])
	return q, q != ""
}

// forwardQuestion publishes the question and writes the answer back to the
// agent's stdin as a single line.
func (r *taskRun) forwardQuestion(question string) {
	w := r.w
	q := protocol.Question{
		QuestionID: uuid.NewString(),
		WorkerID:   w.cfg.WorkerID,
		SessionID:  r.assign.SessionID,
		Question:   question,
		AskedAt:    time.Now(),
	}
	payload, err := protocol.Encode(protocol.KindQuestion, q)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.QuestionTimeout+5*time.Second)
	defer cancel()
	raw, err := w.bus.Request(ctx, protocol.QuestionSubject(w.cfg.WorkerID), payload, w.cfg.QuestionTimeout+5*time.Second)
	if err != nil {
		w.log.Warn().Err(err).Str("question", q.QuestionID).Msg("question unanswered")
		r.answerAgent("proceed with your best judgment")
		return
	}

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return
	}
	ans, err := protocol.Decode[protocol.Answer](env)
	if err != nil {
		return
	}
	w.log.Info().Str("question", q.QuestionID).Str("answered_by", ans.AnsweredBy).Msg("question answered")
	r.answerAgent(ans.Answer)
}

func (r *taskRun) answerAgent(answer string) {
	r.mu.Lock()
	stdin := r.stdin
	r.mu.Unlock()
	if stdin == nil {
		return
	}
	if _, err := io.WriteString(stdin, answer+"\n"); err != nil {
		r.w.log.Debug().Err(err).Msg("write answer to agent")
	}
}

// estimate produces a monotonic percent-complete guess from elapsed time,
// capped below 100 until the terminal report.
func (r *taskRun) estimate(timeout time.Duration) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	// percent only moves forward
	elapsed := float64(0)
	if timeout > 0 {
		elapsed = float64(time.Since(r.startedAtLocked())) / float64(timeout) * 100
	}
	if elapsed > 95 {
		elapsed = 95
	}
	if elapsed > r.percent {
		r.percent = elapsed
	}
	return r.percent
}

// startedAtLocked derives the start moment from the assignment; good enough
// for a progress estimate.
func (r *taskRun) startedAtLocked() time.Time {
	if !r.assign.AssignedAt.IsZero() {
		return r.assign.AssignedAt
	}
	return time.Now()
}

func (r *taskRun) markTimedOut() {
	r.mu.Lock()
	r.timedOut = true
	r.mu.Unlock()
}

func (r *taskRun) isTimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

func (r *taskRun) publishProgress(status protocol.TaskStatus, percent float64) {
	w := r.w
	metrics, phase := r.parser.Snapshot()

	r.mu.Lock()
	if percent < r.percent {
		percent = r.percent
	}
	r.percent = percent
	r.mu.Unlock()

	payload, err := protocol.Encode(protocol.KindProgress, protocol.Progress{
		TaskID:          r.assign.TaskID,
		WorkerID:        w.cfg.WorkerID,
		Status:          status,
		PercentComplete: percent,
		Phase:           phase,
		Metrics:         metrics,
		Timestamp:       time.Now(),
	})
	if err != nil {
		return
	}
	if err := w.bus.Publish(protocol.ProgressSubject(r.assign.TaskID), payload); err != nil {
		w.log.Debug().Err(err).Msg("publish progress")
	}
}

func (r *taskRun) publishRealtime() {
	w := r.w
	metrics, _ := r.parser.Snapshot()
	payload, err := protocol.Encode(protocol.KindRealtime, protocol.Realtime{
		WorkerID:  w.cfg.WorkerID,
		TaskID:    r.assign.TaskID,
		Metrics:   metrics,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := w.bus.Publish(protocol.RealtimeSubject(w.cfg.WorkerID), payload); err != nil {
		w.log.Debug().Err(err).Msg("publish realtime")
	}
}

func (r *taskRun) publishEvent(eventType string, data map[string]any) {
	w := r.w
	payload, err := protocol.Encode(protocol.KindEvent, protocol.Event{
		WorkerID:  w.cfg.WorkerID,
		EventType: eventType,
		TaskID:    r.assign.TaskID,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := w.bus.Publish(protocol.EventSubject(eventType), payload); err != nil {
		w.log.Debug().Err(err).Msg("publish event")
	}
}
