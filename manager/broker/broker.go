// Package broker tracks in-flight worker RPCs that need a human (or a
// deadline) to resolve: questions, next-task requests, and session-end
// requests. Each pending entry holds the bus reply handle; resolution
// publishes on it exactly once.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/flotilla/bus"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/manager/dispatch"
	"github.com/itskum47/flotilla/observability"
	"github.com/itskum47/flotilla/protocol"
	"github.com/itskum47/flotilla/store"
)

// Config holds broker tunables.
type Config struct {
	// QuestionTimeout is how long a question may wait for an operator
	// before a system answer is synthesized. It must undercut the worker's
	// own request deadline or the reply lands on a dead inbox.
	QuestionTimeout time.Duration
	// MaxPending bounds each pending map.
	MaxPending int
}

// DefaultConfig returns production defaults. The 29s question timeout sits
// one second inside the worker's 30s ask deadline.
func DefaultConfig() Config {
	return Config{
		QuestionTimeout: 29 * time.Second,
		MaxPending:      1000,
	}
}

type pendingQuestion struct {
	q     *protocol.Question
	reply string
	timer *time.Timer
}

type pendingSession struct {
	req   *protocol.EndSessionRequest
	reply string
	since time.Time
}

// Broker owns the pending RPC state.
type Broker struct {
	store store.Store
	cache cache.Cache
	bus   bus.Bus
	disp  *dispatch.Dispatcher
	cfg   Config
	log   zerolog.Logger

	mu         sync.Mutex
	questions  map[string]*pendingQuestion // by question_id
	endSession map[string]*pendingSession  // by worker_id
}

// New builds a Broker.
func New(s store.Store, c cache.Cache, b bus.Bus, d *dispatch.Dispatcher, cfg Config, log zerolog.Logger) *Broker {
	if cfg.QuestionTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Broker{
		store:      s,
		cache:      c,
		bus:        b,
		disp:       d,
		cfg:        cfg,
		log:        log.With().Str("component", "broker").Logger(),
		questions:  make(map[string]*pendingQuestion),
		endSession: make(map[string]*pendingSession),
	}
}

// HandleQuestion registers a worker question and arms its deadline. The
// durable row is written first so the trail survives a manager restart.
func (b *Broker) HandleQuestion(ctx context.Context, q *protocol.Question, reply string) {
	now := time.Now()
	askedAt := q.AskedAt
	if askedAt.IsZero() {
		askedAt = now
	}
	if err := b.store.InsertQuestion(ctx, &store.QuestionRecord{
		QuestionID:   q.QuestionID,
		WorkerID:     q.WorkerID,
		Question:     q.Question,
		QuestionType: q.QuestionType,
		Context:      q.Context,
		AskedAt:      askedAt,
	}); err != nil {
		b.log.Warn().Err(err).Str("question", q.QuestionID).Msg("persist question")
	}

	b.mu.Lock()
	if len(b.questions) >= b.cfg.MaxPending {
		b.mu.Unlock()
		b.log.Warn().Str("question", q.QuestionID).Msg("pending questions full, answering immediately")
		b.resolveQuestionWith(ctx, q.QuestionID, reply, &protocol.Answer{
			QuestionID:   q.QuestionID,
			Answer:       "manager at capacity, proceed with your best judgment",
			GuidanceType: "capacity",
			AnsweredBy:   "system",
		}, "capacity")
		return
	}
	pq := &pendingQuestion{q: q, reply: reply}
	pq.timer = time.AfterFunc(b.cfg.QuestionTimeout, func() {
		b.expireQuestion(q.QuestionID)
	})
	b.questions[q.QuestionID] = pq
	observability.PendingRPCs.WithLabelValues("question").Set(float64(len(b.questions)))
	b.mu.Unlock()

	b.mirror(ctx, cache.KeyPendingQuestions, q.QuestionID, q)
	b.log.Info().Str("question", q.QuestionID).Str("worker", q.WorkerID).Msg("question pending")
}

// Answer resolves a pending question with an operator answer. Unknown ids
// return fault.ErrInvalid; the worker may already hold a timeout reply.
func (b *Broker) Answer(ctx context.Context, questionID, answer, guidanceType string) error {
	b.mu.Lock()
	pq, ok := b.questions[questionID]
	if ok {
		pq.timer.Stop()
		delete(b.questions, questionID)
		observability.PendingRPCs.WithLabelValues("question").Set(float64(len(b.questions)))
	}
	b.mu.Unlock()
	if !ok {
		return fault.ErrInvalid
	}

	b.resolveQuestionWith(ctx, questionID, pq.reply, &protocol.Answer{
		QuestionID:   questionID,
		Answer:       answer,
		GuidanceType: guidanceType,
		AnsweredBy:   "manager",
	}, "answered")
	return nil
}

func (b *Broker) expireQuestion(questionID string) {
	b.mu.Lock()
	pq, ok := b.questions[questionID]
	if ok {
		delete(b.questions, questionID)
		observability.PendingRPCs.WithLabelValues("question").Set(float64(len(b.questions)))
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.log.Info().Str("question", questionID).Msg("question timed out, synthesizing answer")
	b.resolveQuestionWith(context.Background(), questionID, pq.reply, &protocol.Answer{
		QuestionID:   questionID,
		Answer:       "no operator response in time, proceed with your best judgment",
		GuidanceType: "timeout",
		AnsweredBy:   "system",
	}, "timeout")
}

// resolveQuestionWith publishes the answer, records it durably, and clears
// the cache mirror.
func (b *Broker) resolveQuestionWith(ctx context.Context, questionID, reply string, ans *protocol.Answer, how string) {
	payload, err := protocol.Encode(protocol.KindAnswer, ans)
	if err != nil {
		b.log.Error().Err(err).Msg("encode answer")
		return
	}
	if reply != "" {
		if err := b.bus.Publish(reply, payload); err != nil {
			b.log.Warn().Err(err).Str("question", questionID).Msg("publish answer")
		}
	}
	if _, err := b.store.AnswerQuestion(ctx, questionID, ans.Answer, ans.AnsweredBy, time.Now()); err != nil {
		b.log.Warn().Err(err).Str("question", questionID).Msg("persist answer")
	}
	if err := b.cache.HDel(ctx, cache.KeyPendingQuestions, questionID); err != nil {
		b.log.Debug().Err(err).Msg("clear question mirror")
	}
	observability.RPCResolutions.WithLabelValues("question", how).Inc()
}

// PendingQuestions lists the questions currently awaiting an answer.
func (b *Broker) PendingQuestions() []*protocol.Question {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*protocol.Question, 0, len(b.questions))
	for _, pq := range b.questions {
		out = append(out, pq.q)
	}
	return out
}

// HandleNextTask answers a worker asking for more work. If the queue has a
// suitable task it goes out on the worker's task subject and the reply says
// so; otherwise the worker is parked as waiting and told to stand by.
func (b *Broker) HandleNextTask(ctx context.Context, req *protocol.NextTaskRequest, reply string) {
	taskID, err := b.disp.DispatchToWaiting(ctx, req.WorkerID, nil)
	ack := protocol.Ack{OK: true}
	switch {
	case err == nil:
		ack.Status = "assigned"
		ack.Note = taskID
		// Resolve any mirror left by an earlier empty-queue request.
		if err := b.cache.HDel(ctx, cache.KeyNextTaskRequests, req.WorkerID); err != nil {
			b.log.Debug().Err(err).Msg("clear next-task mirror")
		}
		observability.RPCResolutions.WithLabelValues("next_task", "assigned").Inc()
	default:
		ack.Status = "waiting"
		b.mirror(ctx, cache.KeyNextTaskRequests, req.WorkerID, req)
		observability.RPCResolutions.WithLabelValues("next_task", "waiting").Inc()
	}
	b.replyAck(reply, ack)
	b.log.Info().Str("worker", req.WorkerID).Str("outcome", ack.Status).Msg("next-task request")
}

// HandleEndSession parks a session-end request until the operator decides.
// The reply handle stays open; the worker blocks on it.
func (b *Broker) HandleEndSession(ctx context.Context, req *protocol.EndSessionRequest, reply string) {
	b.mu.Lock()
	if len(b.endSession) >= b.cfg.MaxPending {
		b.mu.Unlock()
		b.publishDecision(reply, &protocol.EndSessionDecision{
			Approved:  false,
			Reason:    "manager at capacity",
			DecidedBy: "system",
		})
		observability.RPCResolutions.WithLabelValues("end_session", "capacity").Inc()
		return
	}
	b.endSession[req.WorkerID] = &pendingSession{req: req, reply: reply, since: time.Now()}
	observability.PendingRPCs.WithLabelValues("end_session").Set(float64(len(b.endSession)))
	b.mu.Unlock()

	b.mirror(ctx, cache.KeyEndSessionRequests, req.WorkerID, req)
	b.log.Info().Str("worker", req.WorkerID).Str("session", req.SessionID).
		Str("reason", req.Reason).Msg("session end requested")
}

// ApproveSessionEnd resolves a pending session-end request. Approval closes
// the session record; denial keeps it open.
func (b *Broker) ApproveSessionEnd(ctx context.Context, workerID string, approved bool, reason, finalInstructions string) error {
	b.mu.Lock()
	ps, ok := b.endSession[workerID]
	if ok {
		delete(b.endSession, workerID)
		observability.PendingRPCs.WithLabelValues("end_session").Set(float64(len(b.endSession)))
	}
	b.mu.Unlock()
	if !ok {
		return fault.ErrInvalid
	}

	b.publishDecision(ps.reply, &protocol.EndSessionDecision{
		Approved:          approved,
		Reason:            reason,
		FinalInstructions: finalInstructions,
		DecidedBy:         "manager",
	})
	if err := b.cache.HDel(ctx, cache.KeyEndSessionRequests, workerID); err != nil {
		b.log.Debug().Err(err).Msg("clear end-session mirror")
	}

	if approved && ps.req.SessionID != "" {
		if err := b.store.CloseSession(ctx, ps.req.SessionID, time.Now()); err != nil {
			b.log.Warn().Err(err).Str("session", ps.req.SessionID).Msg("close session")
		}
	}
	how := "denied"
	if approved {
		how = "approved"
	}
	observability.RPCResolutions.WithLabelValues("end_session", how).Inc()
	b.log.Info().Str("worker", workerID).Bool("approved", approved).Msg("session end decided")
	return nil
}

// PendingSessionEnds lists workers waiting on a session-end decision.
func (b *Broker) PendingSessionEnds() []*protocol.EndSessionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*protocol.EndSessionRequest, 0, len(b.endSession))
	for _, ps := range b.endSession {
		out = append(out, ps.req)
	}
	return out
}

// Shutdown resolves every pending RPC with a synthesized reply so no worker
// is left blocking on a dead manager.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	questions := b.questions
	sessions := b.endSession
	b.questions = make(map[string]*pendingQuestion)
	b.endSession = make(map[string]*pendingSession)
	b.mu.Unlock()

	for id, pq := range questions {
		pq.timer.Stop()
		b.resolveQuestionWith(ctx, id, pq.reply, &protocol.Answer{
			QuestionID:   id,
			Answer:       "manager shutting down, proceed with your best judgment",
			GuidanceType: "shutdown",
			AnsweredBy:   "system",
		}, "shutdown")
	}
	for workerID, ps := range sessions {
		b.publishDecision(ps.reply, &protocol.EndSessionDecision{
			Approved:  true,
			Reason:    "manager shutting down",
			DecidedBy: "system",
		})
		if err := b.cache.HDel(ctx, cache.KeyEndSessionRequests, workerID); err != nil {
			b.log.Debug().Err(err).Msg("clear end-session mirror")
		}
		observability.RPCResolutions.WithLabelValues("end_session", "shutdown").Inc()
	}
	observability.PendingRPCs.WithLabelValues("question").Set(0)
	observability.PendingRPCs.WithLabelValues("end_session").Set(0)
}

func (b *Broker) replyAck(reply string, ack protocol.Ack) {
	if reply == "" {
		return
	}
	payload, err := protocol.Encode(protocol.KindAck, ack)
	if err != nil {
		b.log.Error().Err(err).Msg("encode ack")
		return
	}
	if err := b.bus.Publish(reply, payload); err != nil {
		b.log.Warn().Err(err).Msg("publish ack")
	}
}

func (b *Broker) publishDecision(reply string, d *protocol.EndSessionDecision) {
	if reply == "" {
		return
	}
	payload, err := protocol.Encode(protocol.KindEndSession, d)
	if err != nil {
		b.log.Error().Err(err).Msg("encode decision")
		return
	}
	if err := b.bus.Publish(reply, payload); err != nil {
		b.log.Warn().Err(err).Msg("publish decision")
	}
}

// mirror writes one pending entry into its cache hash; best effort.
func (b *Broker) mirror(ctx context.Context, key, field string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := b.cache.HSet(ctx, key, field, string(data)); err != nil {
		b.log.Debug().Err(err).Str("key", key).Msg("mirror pending rpc")
	}
}
