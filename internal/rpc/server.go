// Package rpc serves the tx services over newline-delimited JSON-RPC 2.0 on
// stdin/stdout, for agent harnesses that speak pipes instead of HTTP.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"tx/internal/learning"
	"tx/internal/logging"
	"tx/internal/retrieval"
	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// request is one JSON-RPC 2.0 call. IDs are accepted as numbers or strings
// and echoed back verbatim.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 reserved codes plus an implementation-defined range for
// domain errors.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeNotFound          = -32001
	codeConflict          = -32002
	codeIllegalTransition = -32003
	codeUnavailable       = -32004
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 << 20

// =============================================================================
// SERVER
// =============================================================================

// Services are the backends the bridge dispatches into.
type Services struct {
	Engine    *task.Engine
	Scheduler *task.Scheduler
	Runs      *run.Service
	Learnings *learning.Service
	Context   *learning.ContextAssembler
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server reads one request per line from in and writes one response per line
// to out. Requests are handled sequentially in arrival order.
type Server struct {
	svc Services

	mu  sync.Mutex // serializes writes to out
	out io.Writer

	methods map[string]handlerFunc
}

// NewServer wires the method table.
func NewServer(svc Services, out io.Writer) *Server {
	s := &Server{svc: svc, out: out}
	s.methods = map[string]handlerFunc{
		"task.create":      s.taskCreate,
		"task.get":         s.taskGet,
		"task.list":        s.taskList,
		"task.ready":       s.taskReady,
		"task.done":        s.taskDone,
		"task.block":       s.taskBlock,
		"task.unblock":     s.taskUnblock,
		"task.tree":        s.taskTree,
		"learning.create":  s.learningCreate,
		"learning.search":  s.learningSearch,
		"learning.helpful": s.learningHelpful,
		"context.get":      s.contextGet,
		"run.heartbeat":    s.runHeartbeat,
	}
	return s
}

// Run consumes in until EOF or context cancellation.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	logging.Get(logging.CategoryRPC).Info("JSON-RPC bridge listening on stdio")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, line)
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.write(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		s.write(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}})
		return
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		logging.Get(logging.CategoryRPC).Warn("%s failed: %v", req.Method, err)
		s.write(response{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)})
		return
	}
	// Notifications (no id) get no reply.
	if len(req.ID) == 0 {
		return
	}
	s.write(response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Get(logging.CategoryRPC).Error("marshal response: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(append(data, '\n'))
}

// toRPCError maps domain error kinds onto the wire codes.
func toRPCError(err error) *rpcError {
	switch txerr.KindOf(err) {
	case txerr.KindNotFound:
		return &rpcError{Code: codeNotFound, Message: err.Error()}
	case txerr.KindValidation, txerr.KindCircularDependency, txerr.KindHasChildren:
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case txerr.KindIllegalTransition:
		return &rpcError{Code: codeIllegalTransition, Message: err.Error()}
	case txerr.KindAlreadyClaimed, txerr.KindStaleData:
		return &rpcError{Code: codeConflict, Message: err.Error()}
	case txerr.KindPoolAtCapacity, txerr.KindServiceUnavailable:
		return &rpcError{Code: codeUnavailable, Message: err.Error()}
	}
	return &rpcError{Code: codeInternal, Message: err.Error()}
}

func decodeParams(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return txerr.Validation("bad params: %v", err)
	}
	return nil
}

// =============================================================================
// TASK METHODS
// =============================================================================

func (s *Server) taskCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Title       string                 `json:"title"`
		Description string                 `json:"description"`
		Status      string                 `json:"status"`
		Score       *int                   `json:"score"`
		ParentID    string                 `json:"parentId"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.svc.Engine.Create(task.CreateParams{
		Title:       p.Title,
		Description: p.Description,
		Status:      types.TaskStatus(p.Status),
		Score:       p.Score,
		ParentID:    p.ParentID,
		Metadata:    p.Metadata,
	})
}

func (s *Server) taskGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !types.ValidTaskID(p.ID) {
		return nil, txerr.Validation("malformed task id %q", p.ID)
	}
	return s.svc.Engine.GetWithDeps(p.ID)
}

func (s *Server) taskList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Status   string `json:"status"`
		ParentID string `json:"parentId"`
		RootOnly bool   `json:"rootOnly"`
		Search   string `json:"search"`
		Cursor   string `json:"cursor"`
		Limit    int    `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Status != "" && !types.ValidTaskStatus(types.TaskStatus(p.Status)) {
		return nil, txerr.Validation("unknown task status %q", p.Status)
	}
	return s.svc.Engine.List(store.TaskFilter{
		Status:   types.TaskStatus(p.Status),
		ParentID: p.ParentID,
		RootOnly: p.RootOnly,
		Search:   p.Search,
		Cursor:   p.Cursor,
		Limit:    p.Limit,
	})
}

func (s *Server) taskReady(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Limit          int  `json:"limit"`
		IncludeClaimed bool `json:"includeClaimed"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	return s.svc.Scheduler.GetReady(p.Limit, !p.IncludeClaimed)
}

func (s *Server) taskDone(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !types.ValidTaskID(p.ID) {
		return nil, txerr.Validation("malformed task id %q", p.ID)
	}
	t, nowReady, err := s.svc.Scheduler.Done(p.ID)
	if err != nil {
		return nil, err
	}
	if nowReady == nil {
		nowReady = []types.Task{}
	}
	return map[string]interface{}{"task": t, "nowReady": nowReady}, nil
}

func (s *Server) taskBlock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID        string `json:"id"`
		BlockerID string `json:"blockerId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !types.ValidTaskID(p.ID) || !types.ValidTaskID(p.BlockerID) {
		return nil, txerr.Validation("malformed task id")
	}
	if err := s.svc.Engine.AddBlocker(p.ID, p.BlockerID); err != nil {
		return nil, err
	}
	return s.svc.Engine.GetWithDeps(p.ID)
}

func (s *Server) taskUnblock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID        string `json:"id"`
		BlockerID string `json:"blockerId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !types.ValidTaskID(p.ID) || !types.ValidTaskID(p.BlockerID) {
		return nil, txerr.Validation("malformed task id")
	}
	if err := s.svc.Engine.RemoveBlocker(p.ID, p.BlockerID); err != nil {
		return nil, err
	}
	return s.svc.Engine.GetWithDeps(p.ID)
}

func (s *Server) taskTree(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !types.ValidTaskID(p.ID) {
		return nil, txerr.Validation("malformed task id %q", p.ID)
	}
	return s.svc.Engine.GetTree(p.ID)
}

// =============================================================================
// LEARNING METHODS
// =============================================================================

func (s *Server) learningCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Content    string   `json:"content"`
		SourceType string   `json:"sourceType"`
		SourceRef  string   `json:"sourceRef"`
		Keywords   []string `json:"keywords"`
		Category   string   `json:"category"`
		Outcome    *float64 `json:"outcomeScore"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.svc.Learnings.Create(ctx, learning.CreateParams{
		Content:    p.Content,
		SourceType: types.LearningSource(p.SourceType),
		SourceRef:  p.SourceRef,
		Keywords:   p.Keywords,
		Category:   p.Category,
		Outcome:    p.Outcome,
	})
}

func (s *Server) learningSearch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Query    string   `json:"query"`
		Limit    int      `json:"limit"`
		MinScore *float64 `json:"minScore"`
		Category string   `json:"category"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	results, err := s.svc.Learnings.Search(ctx, p.Query, retrieval.Options{
		Limit:    p.Limit,
		MinScore: p.MinScore,
		Category: p.Category,
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []types.ScoredLearning{}
	}
	return map[string]interface{}{"items": results}, nil
}

func (s *Server) learningHelpful(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID    int64   `json:"id"`
		Score float64 `json:"score"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Score < 0 || p.Score > 1 {
		return nil, txerr.Validation("score must be in [0,1]")
	}
	if err := s.svc.Learnings.SetOutcome(p.ID, p.Score); err != nil {
		return nil, err
	}
	return s.svc.Learnings.Get(p.ID)
}

// =============================================================================
// CONTEXT AND RUN METHODS
// =============================================================================

func (s *Server) contextGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !types.ValidTaskID(p.TaskID) {
		return nil, txerr.Validation("malformed task id %q", p.TaskID)
	}
	return s.svc.Context.GetContext(ctx, p.TaskID)
}

func (s *Server) runHeartbeat(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID              string `json:"id"`
		StdoutBytes     *int64 `json:"stdoutBytes"`
		StderrBytes     *int64 `json:"stderrBytes"`
		TranscriptBytes *int64 `json:"transcriptBytes"`
		Activity        bool   `json:"activity"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !types.ValidRunID(p.ID) {
		return nil, txerr.Validation("malformed run id %q", p.ID)
	}
	hp := run.HeartbeatParams{StdoutBytes: -1, StderrBytes: -1, TranscriptBytes: -1, Activity: p.Activity}
	if p.StdoutBytes != nil {
		hp.StdoutBytes = *p.StdoutBytes
	}
	if p.StderrBytes != nil {
		hp.StderrBytes = *p.StderrBytes
	}
	if p.TranscriptBytes != nil {
		hp.TranscriptBytes = *p.TranscriptBytes
	}
	return s.svc.Runs.Heartbeat(p.ID, hp)
}
