// Package server is the local HTTP API: conversation ingest, memory search,
// prompt injection, health, status, costs and Prometheus metrics. Handlers
// translate between JSON and the orchestrator; they hold no logic of their
// own and never leak internal error details.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/injector"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/retriever"
	"github.com/engramd/engramd/internal/service"
	"github.com/engramd/engramd/internal/store"
)

// Memory is the slice of the orchestrator the HTTP surface needs. Tests fake
// it.
type Memory interface {
	StoreConversation(ctx context.Context, req *service.StoreConversationRequest) (*service.StoreConversationResult, error)
	Search(ctx context.Context, req *models.RetrievalRequest) ([]*models.RetrievalResult, error)
	CrossProjectSearch(ctx context.Context, req *retriever.CrossProjectRequest) (*retriever.CrossProjectResult, error)
	Inject(ctx context.Context, req *service.InjectRequest) (*injector.Result, error)
	Health(ctx context.Context) map[string]models.ComponentHealth
	Status(ctx context.Context) (*service.Status, error)
	Costs(ctx context.Context, since time.Time, projectID string) (*store.CostSummary, error)
}

// Server is the HTTP front of the memory service.
type Server struct {
	svc    Memory
	logger *zap.Logger
	http   *http.Server
}

// New builds the server. Start and Shutdown drive its lifecycle.
func New(cfg *config.Config, svc Memory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger.Named("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversation/store", s.handleStoreConversation)
	mux.HandleFunc("POST /memory/search", s.handleSearch)
	mux.HandleFunc("POST /memory/cross-project-search", s.handleCrossProjectSearch)
	mux.HandleFunc("POST /memory/inject", s.handleInject)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /costs", s.handleCosts)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ─── Responses ──────────────────────────────────────────────────────────────

type errorBody struct {
	Error struct {
		Code    memerr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := memerr.CodeOf(err)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = memerr.MessageOf(err)
	if code == memerr.CodeInternal {
		// Internals stay in the logs.
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, httpStatus(code), body)
}

func httpStatus(code memerr.Code) int {
	switch code {
	case memerr.CodeValidation:
		return http.StatusBadRequest
	case memerr.CodeNotFound:
		return http.StatusNotFound
	case memerr.CodePermissionDenied:
		return http.StatusForbidden
	case memerr.CodeProviderUnavailable, memerr.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case memerr.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case memerr.CodeCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

func decode[T any](r *http.Request) (*T, error) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	if err := dec.Decode(&v); err != nil {
		return nil, memerr.E(memerr.CodeValidation, "malformed JSON body", err)
	}
	return &v, nil
}
