package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramd/engramd/internal/config"
)

func item(project string) *Item {
	return &Item{
		ProjectID: project,
		SessionID: "s1",
		Messages: []CapturedMessage{
			{Role: "HUMAN", Content: "hello", Timestamp: time.Now().UTC()},
		},
	}
}

func testWorker(t *testing.T, dir, ingestURL string) *Worker {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Queue.SpoolDir = dir
	cfg.Queue.IngestURL = ingestURL
	cfg.Queue.MaxRetries = 2
	cfg.Queue.RetryBaseSeconds = 1
	w := NewWorker(cfg, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, DeadLetterDir), 0o755))
	return w
}

func TestEnqueueWritesReadableItem(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Enqueue(dir, item("p1")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsDir())
	assert.NotContains(t, entries[0].Name(), ".tmp-")

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var got Item
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "p1", got.ProjectID)
	assert.False(t, got.CapturedAt.IsZero())
}

func TestEnqueueRequiresProject(t *testing.T) {
	err := Enqueue(t.TempDir(), &Item{})
	assert.Error(t, err)
}

func TestEnqueueNamesSortByCaptureTime(t *testing.T) {
	dir := t.TempDir()
	early := item("p1")
	early.CapturedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := item("p1")
	late.CapturedAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// Enqueued out of order; file names still sort chronologically.
	require.NoError(t, Enqueue(dir, late))
	require.NoError(t, Enqueue(dir, early))

	w := testWorker(t, dir, "http://unused")
	names, err := w.listSpool()
	require.NoError(t, err)
	require.Len(t, names, 2)

	var first Item
	data, err := os.ReadFile(filepath.Join(dir, names[0]))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &first))
	assert.True(t, first.CapturedAt.Equal(early.CapturedAt))
}

func TestDrainDeliversAndDeletes(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var got Item
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "p1", got.ProjectID)
		received.Add(1)
		rw.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, Enqueue(dir, item("p1")))
	require.NoError(t, Enqueue(dir, item("p1")))

	w := testWorker(t, dir, srv.URL)
	w.drain(context.Background())

	assert.Equal(t, int32(2), received.Load())
	depth, err := w.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDrainRetriesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, Enqueue(dir, item("p1")))

	w := testWorker(t, dir, srv.URL)
	w.drain(context.Background())

	// Still spooled, backoff scheduled.
	depth, err := w.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	names, err := w.listSpool()
	require.NoError(t, err)
	w.mu.Lock()
	assert.Equal(t, 1, w.attempts[names[0]])
	_, waiting := w.deferred[names[0]]
	w.mu.Unlock()
	assert.True(t, waiting)

	// A drain before the backoff elapses does not attempt delivery again.
	w.drain(context.Background())
	w.mu.Lock()
	assert.Equal(t, 1, w.attempts[names[0]])
	w.mu.Unlock()
}

func TestDrainDeadLettersPermanentRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, Enqueue(dir, item("p1")))

	w := testWorker(t, dir, srv.URL)
	w.drain(context.Background())

	depth, err := w.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)

	dead, err := os.ReadDir(filepath.Join(dir, DeadLetterDir))
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRateLimitIsRetriedNotDeadLettered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, Enqueue(dir, item("p1")))

	w := testWorker(t, dir, srv.URL)
	w.drain(context.Background())

	depth, err := w.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	dead, err := os.ReadDir(filepath.Join(dir, DeadLetterDir))
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, Enqueue(dir, item("p1")))

	w := testWorker(t, dir, srv.URL)
	names, err := w.listSpool()
	require.NoError(t, err)
	name := names[0]

	// maxRetries is 2: the third failure moves the item out.
	for i := 0; i < 3; i++ {
		w.deliver(context.Background(), name)
	}

	depth, err := w.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)

	dead, err := os.ReadDir(filepath.Join(dir, DeadLetterDir))
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestListSpoolIgnoresTempAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-half.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, Enqueue(dir, item("p1")))

	w := testWorker(t, dir, "http://unused")
	names, err := w.listSpool()
	require.NoError(t, err)
	assert.Len(t, names, 1)
}
