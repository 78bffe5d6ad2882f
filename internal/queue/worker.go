package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/metrics"
)

// Worker drains the spool directory into the ingest endpoint. A single
// worker owns the spool; item-level retry state is kept in memory and resets
// on restart, which only means a previously-failed item gets a fresh retry
// budget.
type Worker struct {
	dir        string
	ingestURL  string
	maxRetries int
	baseDelay  time.Duration
	scanEvery  time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	attempts map[string]int       // file name -> delivery attempts
	deferred map[string]time.Time // file name -> earliest next attempt
}

// NewWorker builds a worker from the queue section of cfg.
func NewWorker(cfg *config.Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := time.Duration(cfg.Queue.RetryBaseSeconds) * time.Second
	if base <= 0 {
		base = 2 * time.Second
	}
	scan := cfg.Queue.ScanInterval
	if scan <= 0 {
		scan = 5 * time.Second
	}
	return &Worker{
		dir:        cfg.Queue.SpoolDir,
		ingestURL:  cfg.Queue.IngestURL,
		maxRetries: cfg.Queue.MaxRetries,
		baseDelay:  base,
		scanEvery:  scan,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("queue"),
		attempts:   make(map[string]int),
		deferred:   make(map[string]time.Time),
	}
}

// Run drains the spool until ctx is cancelled. It wakes on filesystem
// events when fsnotify is available and always on the scan ticker, so a
// missed event costs at most one scan interval of latency.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, DeadLetterDir), 0o755); err != nil {
		return fmt.Errorf("create dead-letter dir: %w", err)
	}

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(w.dir); err != nil {
			w.logger.Warn("spool watch failed, polling only", zap.Error(err))
		} else {
			events = watcher.Events
		}
	} else {
		w.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	}

	ticker := time.NewTicker(w.scanEvery)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				w.drain(ctx)
			}
		}
	}
}

// drain processes every ready spool file in name order.
func (w *Worker) drain(ctx context.Context) {
	names, err := w.listSpool()
	if err != nil {
		w.logger.Error("spool scan failed", zap.Error(err))
		return
	}
	metrics.QueueDepth.Set(float64(len(names)))

	now := time.Now()
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		notBefore, waiting := w.deferred[name]
		w.mu.Unlock()
		if waiting && now.Before(notBefore) {
			continue
		}
		w.deliver(ctx, name)
	}

	if names, err := w.listSpool(); err == nil {
		metrics.QueueDepth.Set(float64(len(names)))
	}
}

func (w *Worker) listSpool() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// deliver posts one spool file. 2xx deletes it, permanent rejection (4xx
// other than 429) dead-letters it, anything else schedules a retry until the
// budget runs out.
func (w *Worker) deliver(ctx context.Context, name string) {
	path := filepath.Join(w.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error("spool read failed", zap.String("file", name), zap.Error(err))
		}
		return
	}

	status, err := w.post(ctx, data)
	switch {
	case err == nil && status >= 200 && status < 300:
		w.forget(name)
		if err := os.Remove(path); err != nil {
			w.logger.Error("spool cleanup failed", zap.String("file", name), zap.Error(err))
		}
		metrics.QueueItemsTotal.WithLabelValues("delivered").Inc()

	case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		w.logger.Warn("capture item rejected",
			zap.String("file", name), zap.Int("status", status))
		w.deadLetter(name, path)

	default:
		w.retryLater(name, path, status, err)
	}
}

func (w *Worker) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.ingestURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (w *Worker) retryLater(name, path string, status int, cause error) {
	w.mu.Lock()
	w.attempts[name]++
	n := w.attempts[name]
	w.mu.Unlock()

	if n > w.maxRetries {
		w.logger.Error("capture item exhausted retries",
			zap.String("file", name), zap.Int("attempts", n))
		w.deadLetter(name, path)
		return
	}

	delay := w.baseDelay << (n - 1)
	w.mu.Lock()
	w.deferred[name] = time.Now().Add(delay)
	w.mu.Unlock()

	metrics.QueueItemsTotal.WithLabelValues("retried").Inc()
	w.logger.Warn("capture delivery failed, will retry",
		zap.String("file", name),
		zap.Int("attempt", n),
		zap.Int("status", status),
		zap.Duration("delay", delay),
		zap.Error(cause))
}

func (w *Worker) deadLetter(name, path string) {
	w.forget(name)
	dest := filepath.Join(w.dir, DeadLetterDir, name)
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("dead-letter move failed", zap.String("file", name), zap.Error(err))
		return
	}
	metrics.QueueItemsTotal.WithLabelValues("dead_letter").Inc()
}

func (w *Worker) forget(name string) {
	w.mu.Lock()
	delete(w.attempts, name)
	delete(w.deferred, name)
	w.mu.Unlock()
}

// Depth counts items currently waiting in the spool.
func (w *Worker) Depth() (int, error) {
	names, err := w.listSpool()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}
