// Package queue is the disk-backed capture queue. Conversation turns are
// spooled as JSON files written atomically (temp file + rename), so a
// crashed writer never leaves a half-readable item, and a worker drains the
// spool into the ingest endpoint in arrival order. Items the server
// permanently rejects land in a dead-letter directory for inspection.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DeadLetterDir is the subdirectory of the spool holding rejected items.
const DeadLetterDir = "dead-letter"

// CapturedMessage is one turn captured by the CLI hook.
type CapturedMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Item is one spooled capture: a batch of turns from a single session.
type Item struct {
	ProjectID  string            `json:"project_id"`
	SessionID  string            `json:"session_id"`
	Agent      string            `json:"agent,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
	Messages   []CapturedMessage `json:"messages"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Enqueue spools item to dir. The write is atomic: a temp file in the same
// directory is renamed into place, so readers never see partial JSON. File
// names sort by capture time, which gives the worker FIFO order.
func Enqueue(dir string, item *Item) error {
	if item.ProjectID == "" {
		return fmt.Errorf("capture item missing project_id")
	}
	if item.CapturedAt.IsZero() {
		item.CapturedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode capture item: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", item.CapturedAt.UnixNano(), uuid.NewString())
	tmp := filepath.Join(dir, ".tmp-"+name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write spool temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish spool file: %w", err)
	}
	return nil
}
