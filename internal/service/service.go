// Package service is the orchestrator: it owns component lifecycle, the
// compensating write that keeps the structured and vector stores consistent,
// and the public ingest/search/inject/health operations the external
// surfaces call.
//
// Initialization is phased. Phase 1 brings up the model gateway, the
// structured store and the capture-queue worker in parallel; phase 2 the
// vector store (collection verified or created); phase 3 the compressor,
// retriever and injector, which depend on the earlier phases. Any failure
// after retries rolls back everything already started: partial service is
// never exposed.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/engramd/engramd/internal/compressor"
	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/gateway"
	"github.com/engramd/engramd/internal/injector"
	"github.com/engramd/engramd/internal/queue"
	"github.com/engramd/engramd/internal/retriever"
	"github.com/engramd/engramd/internal/store"
	"github.com/engramd/engramd/internal/vector"
)

const (
	// defaultDeadline bounds every public operation without a caller deadline.
	defaultDeadline = 30 * time.Second
	// initAttempts and initBackoff govern per-component init retries.
	initAttempts = 3
	initBackoff  = time.Second
)

// Service wires the components together and carries their lifecycle.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	store      store.Store
	vector     vector.Store
	gateway    gateway.Gateway
	compressor compressor.Compressor
	retriever  retriever.Retriever
	injector   *injector.Injector
	worker     *queue.Worker
	perms      retriever.Permissions

	convLocks lockMap

	mu      sync.Mutex
	closed  bool
	started time.Time
}

// Option overrides a component during construction; tests inject fakes here.
type Option func(*Service)

// WithStore replaces the SQLite store.
func WithStore(s store.Store) Option { return func(svc *Service) { svc.store = s } }

// WithVector replaces the Qdrant client.
func WithVector(v vector.Store) Option { return func(svc *Service) { svc.vector = v } }

// WithGateway replaces the model gateway.
func WithGateway(g gateway.Gateway) Option { return func(svc *Service) { svc.gateway = g } }

// WithPermissions replaces the allow-all read-permission policy.
func WithPermissions(p retriever.Permissions) Option { return func(svc *Service) { svc.perms = p } }

// New runs phased initialization and returns a fully wired service, or an
// error after rolling back whatever had already started.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		cfg:     cfg,
		logger:  logger.Named("service"),
		perms:   retriever.AllowAll{},
		started: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.initialize(ctx); err != nil {
		svc.rollback()
		return nil, err
	}
	return svc, nil
}

func (s *Service) initialize(ctx context.Context) error {
	// Phase 1: independent components, in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.store != nil {
			return nil
		}
		return s.initRetry(gctx, "store", func() error {
			st, err := store.NewSQLiteStore(s.cfg.Database.URL,
				store.WithPool(s.cfg.Database.PoolSize, s.cfg.Database.PoolMaxOverflow, s.cfg.Database.PoolTimeout))
			if err != nil {
				return err
			}
			s.store = st
			return nil
		})
	})
	g.Go(func() error {
		s.worker = queue.NewWorker(s.cfg, s.logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("phase 1: %w", err)
	}

	// The gateway needs the store as its cost sink, so it follows the store
	// even inside phase 1.
	if s.gateway == nil {
		err := s.initRetry(ctx, "gateway", func() error {
			gw, err := gateway.New(s.cfg, s.store, s.logger)
			if err != nil {
				return err
			}
			s.gateway = gw
			return nil
		})
		if err != nil {
			return fmt.Errorf("phase 1: %w", err)
		}
	}

	// Phase 2: vector store, collection verified against the configured
	// dimension.
	if s.vector == nil {
		err := s.initRetry(ctx, "vector", func() error {
			vs, err := vector.NewQdrantStore(s.cfg)
			if err != nil {
				return err
			}
			s.vector = vs
			return nil
		})
		if err != nil {
			return fmt.Errorf("phase 2: %w", err)
		}
	}
	if err := s.initRetry(ctx, "vector collection", func() error {
		return s.vector.EnsureCollection(ctx)
	}); err != nil {
		return fmt.Errorf("phase 2: %w", err)
	}

	// Phase 3: pipeline components over the stores and gateway.
	s.compressor = compressor.New(s.gateway, s.logger)
	s.retriever = retriever.New(s.cfg, s.gateway, s.store, s.vector, s.perms, s.logger)
	s.injector = injector.New(s.cfg, s.gateway, s.logger)

	s.logger.Info("service initialized",
		zap.String("database", s.cfg.Database.URL),
		zap.String("collection", s.cfg.Vector.CollectionName),
		zap.Int("dimension", s.cfg.Vector.Dimension))
	return nil
}

// initRetry wraps one component init in the standard retry envelope.
func (s *Service) initRetry(ctx context.Context, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		if attempt > 1 {
			delay := initBackoff << (attempt - 2)
			s.logger.Warn("component init retrying",
				zap.String("component", name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("init %s: %w", name, lastErr)
}

// rollback releases everything a failed initialize left behind.
func (s *Service) rollback() {
	if s.vector != nil {
		_ = s.vector.Close()
		s.vector = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	s.gateway = nil
	s.worker = nil
}

// Run starts the background loops (capture-queue drainer, TTL janitor) and
// blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.worker.Run(gctx) })
	g.Go(func() error { return s.runJanitor(gctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close releases the stores. Idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.vector != nil {
		if err := s.vector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// withDeadline adds the default deadline when the caller brought none.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultDeadline)
}

// lockMap hands out one mutex per conversation id so a conversation's ingest
// runs serially while different conversations proceed in parallel.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *lockMap) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
