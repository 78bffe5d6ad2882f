// Package mcp is the stdio tool server: line-delimited JSON-RPC over
// stdin/stdout exposing the memory tools to an LLM CLI. One request per
// line, one response per line; a handler failure becomes a coded error
// object, never a dead loop.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engramd/engramd/internal/injector"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/retriever"
	"github.com/engramd/engramd/internal/service"
	"github.com/engramd/engramd/internal/store"
)

// maxLine bounds one request line; captures large enough to exceed it belong
// on the HTTP ingest path.
const maxLine = 4 << 20

// Memory is the orchestrator surface the tools call.
type Memory interface {
	StoreConversation(ctx context.Context, req *service.StoreConversationRequest) (*service.StoreConversationResult, error)
	Search(ctx context.Context, req *models.RetrievalRequest) ([]*models.RetrievalResult, error)
	CrossProjectSearch(ctx context.Context, req *retriever.CrossProjectRequest) (*retriever.CrossProjectResult, error)
	Inject(ctx context.Context, req *service.InjectRequest) (*injector.Result, error)
	Health(ctx context.Context) map[string]models.ComponentHealth
	Status(ctx context.Context) (*service.Status, error)
	Costs(ctx context.Context, since time.Time, projectID string) (*store.CostSummary, error)
}

// Server reads requests from in and writes responses to out.
type Server struct {
	svc    Memory
	logger *zap.Logger

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// NewServer builds a stdio tool server.
func NewServer(svc Memory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, logger: logger.Named("mcp")}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    memerr.Code `json:"code"`
	Message string      `json:"message"`
}

// Serve processes requests until in drains or ctx is cancelled. Handler
// errors are answered, logged and survived; only transport failures end the
// loop.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), maxLine)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.respondError(nil, memerr.E(memerr.CodeValidation, "malformed JSON-RPC request", err))
			continue
		}
		s.handle(ctx, &req)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req *request) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked",
				zap.String("method", req.Method), zap.Any("panic", r))
			s.respondError(req.ID, memerr.Ef(memerr.CodeInternal, "internal error"))
		}
	}()

	result, err := s.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		s.logger.Warn("tool failed",
			zap.String("method", req.Method),
			zap.String("code", string(memerr.CodeOf(err))),
			zap.Error(err))
		s.respondError(req.ID, err)
		return
	}
	s.respond(&response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) respondError(id json.RawMessage, err error) {
	s.respond(&response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &responseError{Code: memerr.CodeOf(err), Message: memerr.MessageOf(err)},
	})
}

func (s *Server) respond(resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(append(data, '\n'))
}
