package toolapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// toolFunc is one operator tool.
type toolFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server reads newline-delimited JSON-RPC requests and writes one response
// line per request. Requests run concurrently; writes are serialized.
type Server struct {
	svc   *Service
	log   zerolog.Logger
	tools map[string]toolFunc

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer wires the method table.
func NewServer(svc *Service, out io.Writer, log zerolog.Logger) *Server {
	s := &Server{
		svc: svc,
		out: out,
		log: log.With().Str("component", "toolapi").Logger(),
	}
	s.tools = map[string]toolFunc{
		"list_workers":                  svc.listWorkers,
		"get_worker_status":             svc.getWorkerStatus,
		"assign_task":                   svc.assignTask,
		"get_task_status":               svc.getTaskStatus,
		"monitor_task_realtime":         svc.monitorTaskRealtime,
		"broadcast":                     svc.broadcast,
		"list_pending_questions":        svc.listPendingQuestions,
		"answer_worker_question":        svc.answerWorkerQuestion,
		"assign_task_to_waiting_worker": svc.assignTaskToWaitingWorker,
		"approve_session_end":           svc.approveSessionEnd,
		"get_worker_analytics":          svc.getWorkerAnalytics,
		"spawn_worker_container":        svc.spawnWorkerContainer,
	}
	return s
}

// Serve pumps requests until EOF or context cancellation. Long tools (e.g.
// monitor_task_realtime) run on their own goroutine so they do not block
// the pump.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(nil, codeParseError, "parse error")
			continue
		}
		if req.Method == "" {
			s.writeError(req.ID, codeInvalidRequest, "method required")
			continue
		}

		tool, ok := s.tools[req.Method]
		if !ok {
			s.writeError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown tool %q", req.Method))
			continue
		}

		wg.Add(1)
		go func(req rpcRequest, tool toolFunc) {
			defer wg.Done()
			s.dispatch(ctx, req, tool)
		}(req, tool)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest, tool toolFunc) {
	// A panicking tool must not take the whole surface down.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("method", req.Method).Msg("tool panicked")
			s.writeError(req.ID, codeInternalError, "internal error")
		}
	}()

	result, err := tool(ctx, req.Params)
	if err != nil {
		s.log.Warn().Err(err).Str("method", req.Method).Msg("tool failed")
		s.writeResult(req.ID, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeResult(req.ID, result)
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, msg string) {
	s.write(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}

func (s *Server) write(resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal response")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}
