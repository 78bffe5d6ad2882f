package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
)

// Schema versions are tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS projects (
    project_id  TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    is_active   BOOLEAN NOT NULL DEFAULT 1,
    settings    TEXT NOT NULL DEFAULT '{}',
    created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL REFERENCES projects(project_id) ON DELETE CASCADE,
    session_id      TEXT NOT NULL DEFAULT '',
    title           TEXT NOT NULL DEFAULT '',
    started_at      DATETIME NOT NULL,
    ended_at        DATETIME,
    message_count   INTEGER NOT NULL DEFAULT 0,
    token_count     INTEGER NOT NULL DEFAULT 0,
    metadata        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);

CREATE TABLE IF NOT EXISTS messages (
    message_id      TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    token_count     INTEGER NOT NULL DEFAULT 0,
    metadata        TEXT NOT NULL DEFAULT '{}',
    timestamp       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp ASC);

CREATE TABLE IF NOT EXISTS memory_units (
    unit_id         TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL REFERENCES projects(project_id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL DEFAULT '',
    unit_type       TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    summary         TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL DEFAULT '',
    keywords        TEXT NOT NULL DEFAULT '[]',
    relevance_score REAL NOT NULL DEFAULT 0.5,
    token_count     INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    expires_at      DATETIME,
    is_active       BOOLEAN NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_units_project ON memory_units(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_units_expires ON memory_units(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS unit_keywords (
    unit_id  TEXT NOT NULL REFERENCES memory_units(unit_id) ON DELETE CASCADE,
    keyword  TEXT NOT NULL,
    PRIMARY KEY (unit_id, keyword)
);
CREATE INDEX IF NOT EXISTS idx_unit_keywords_keyword ON unit_keywords(keyword);

CREATE TABLE IF NOT EXISTS cost_records (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL,
    operation     TEXT NOT NULL,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd      REAL NOT NULL DEFAULT 0.0,
    project_id    TEXT NOT NULL DEFAULT '',
    timestamp     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_records_timestamp ON cost_records(timestamp DESC);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key             TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    created_at      DATETIME NOT NULL
);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// Option adjusts the opened database handle.
type Option func(*sql.DB)

// WithPool bounds the connection pool: size connections at steady state,
// size+overflow under burst, idle connections recycled after timeout.
func WithPool(size, overflow int, timeout time.Duration) Option {
	return func(db *sql.DB) {
		if size > 0 {
			db.SetMaxIdleConns(size)
			db.SetMaxOpenConns(size + overflow)
		}
		if timeout > 0 {
			db.SetConnMaxIdleTime(timeout)
		}
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string, opts ...Option) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	for _, opt := range opts {
		opt(db)
	}
	// Every connection to ":memory:" is a distinct database; a single
	// connection keeps all callers on the same one.
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	// WAL for better concurrency; FKs power the cascade semantics.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Projects ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) UpsertProject(ctx context.Context, projectID, name string) error {
	if projectID == "" {
		return memerr.E(memerr.CodeValidation, "project_id is required", nil)
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO projects(project_id, name, created_at)
        VALUES(?,?,?)
        ON CONFLICT(project_id) DO NOTHING
    `, projectID, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT project_id, name, is_active, settings, created_at
        FROM projects WHERE project_id = ?
    `, projectID)

	var (
		p         models.Project
		settings  string
		createdAt string
	)
	err := row.Scan(&p.ProjectID, &p.Name, &p.IsActive, &settings, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.Ef(memerr.CodeNotFound, "project %s not found", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if settings != "" && settings != "{}" {
		if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
			return nil, fmt.Errorf("decode project settings: %w", err)
		}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *sqliteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT project_id, name, is_active, settings, created_at
        FROM projects ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		var (
			p         models.Project
			settings  string
			createdAt string
		)
		if err := rows.Scan(&p.ProjectID, &p.Name, &p.IsActive, &settings, &createdAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if settings != "" && settings != "{}" {
			if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
				return nil, fmt.Errorf("decode project settings: %w", err)
			}
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ─── Conversations ────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveConversation(ctx context.Context, conv *models.Conversation, msgs []*models.Message) error {
	metadata, err := encodeMap(conv.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var endedAt any
	if conv.EndedAt != nil {
		endedAt = conv.EndedAt.UTC()
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO conversations(conversation_id, project_id, session_id, title, started_at, ended_at, message_count, token_count, metadata)
        VALUES(?,?,?,?,?,?,?,?,?)
        ON CONFLICT(conversation_id) DO UPDATE SET
            title         = excluded.title,
            ended_at      = excluded.ended_at,
            message_count = excluded.message_count,
            token_count   = excluded.token_count,
            metadata      = excluded.metadata
    `,
		conv.ConversationID, conv.ProjectID, conv.SessionID, conv.Title,
		conv.StartedAt.UTC(), endedAt, conv.MessageCount, conv.TokenCount, metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	for _, m := range msgs {
		meta, err := encodeMap(m.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO messages(message_id, conversation_id, role, content, token_count, metadata, timestamp)
            VALUES(?,?,?,?,?,?,?)
            ON CONFLICT(message_id) DO NOTHING
        `, m.MessageID, conv.ConversationID, string(m.Role), m.Content, m.TokenCount, meta, m.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, []*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT conversation_id, project_id, session_id, title, started_at, ended_at, message_count, token_count, metadata
        FROM conversations WHERE conversation_id = ?
    `, conversationID)

	var (
		c         models.Conversation
		startedAt string
		endedAt   sql.NullString
		metadata  string
	)
	err := row.Scan(&c.ConversationID, &c.ProjectID, &c.SessionID, &c.Title,
		&startedAt, &endedAt, &c.MessageCount, &c.TokenCount, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, memerr.Ef(memerr.CodeNotFound, "conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}
	if c.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, nil, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, nil, err
		}
		c.EndedAt = &t
	}
	if err := decodeMap(metadata, &c.Metadata); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT message_id, role, content, token_count, metadata, timestamp
        FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC
    `, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var (
			m    models.Message
			role string
			meta string
			ts   string
		)
		if err := rows.Scan(&m.MessageID, &role, &m.Content, &m.TokenCount, &meta, &ts); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = conversationID
		m.Role = models.Role(role)
		if err := decodeMap(meta, &m.Metadata); err != nil {
			return nil, nil, err
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, &m)
	}
	return &c, msgs, rows.Err()
}

func (s *sqliteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.Ef(memerr.CodeNotFound, "conversation %s not found", conversationID)
	}
	return nil
}

// ─── Memory units ─────────────────────────────────────────────────────────────

func (s *sqliteStore) InsertMemoryUnit(ctx context.Context, unit *models.MemoryUnit) error {
	keywords, err := json.Marshal(unit.Keywords)
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var expiresAt any
	if unit.ExpiresAt != nil {
		expiresAt = unit.ExpiresAt.UTC()
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO memory_units(unit_id, project_id, conversation_id, unit_type, title, summary, content,
                                 keywords, relevance_score, token_count, created_at, updated_at, expires_at, is_active)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		unit.UnitID, unit.ProjectID, unit.ConversationID, string(unit.UnitType),
		unit.Title, unit.Summary, unit.Content, string(keywords),
		unit.RelevanceScore, unit.TokenCount,
		unit.CreatedAt.UTC(), unit.UpdatedAt.UTC(), expiresAt, unit.IsActive,
	)
	if err != nil {
		// FK violations (unknown project) surface here, loudly.
		return fmt.Errorf("insert memory unit: %w", err)
	}

	for _, kw := range unit.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO unit_keywords(unit_id, keyword) VALUES(?,?)
            ON CONFLICT(unit_id, keyword) DO NOTHING
        `, unit.UnitID, kw)
		if err != nil {
			return fmt.Errorf("index keyword: %w", err)
		}
	}

	return tx.Commit()
}

const unitColumns = `unit_id, project_id, conversation_id, unit_type, title, summary, content,
       keywords, relevance_score, token_count, created_at, updated_at, expires_at, is_active`

func (s *sqliteStore) GetMemoryUnit(ctx context.Context, unitID string) (*models.MemoryUnit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM memory_units WHERE unit_id = ?`, unitID)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.Ef(memerr.CodeNotFound, "memory unit %s not found", unitID)
	}
	return unit, err
}

func (s *sqliteStore) GetMemoryUnits(ctx context.Context, unitIDs []string, includeInactive bool) ([]*models.MemoryUnit, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + unitColumns + ` FROM memory_units WHERE unit_id IN (` + placeholders(len(unitIDs)) + `)`
	args := make([]any, len(unitIDs))
	for i, id := range unitIDs {
		args[i] = id
	}
	if !includeInactive {
		query += ` AND is_active = 1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get memory units: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.MemoryUnit, len(unitIDs))
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		byID[unit.UnitID] = unit
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve caller order; ids that no longer exist are skipped.
	out := make([]*models.MemoryUnit, 0, len(byID))
	for _, id := range unitIDs {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *sqliteStore) DeleteMemoryUnit(ctx context.Context, unitID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_units WHERE unit_id = ?`, unitID)
	if err != nil {
		return fmt.Errorf("delete memory unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.Ef(memerr.CodeNotFound, "memory unit %s not found", unitID)
	}
	return nil
}

func (s *sqliteStore) DeactivateMemoryUnit(ctx context.Context, unitID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE memory_units SET is_active = 0, updated_at = ? WHERE unit_id = ?
    `, time.Now().UTC(), unitID)
	if err != nil {
		return fmt.Errorf("deactivate memory unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.Ef(memerr.CodeNotFound, "memory unit %s not found", unitID)
	}
	return nil
}

func (s *sqliteStore) SearchByKeywords(ctx context.Context, q KeywordQuery) ([]*KeywordHit, error) {
	normalized := make([]string, 0, len(q.Keywords))
	for _, kw := range q.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			normalized = append(normalized, kw)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var sb strings.Builder
	args := make([]any, 0, len(normalized)+8)

	sb.WriteString(`
        SELECT ` + qualify(unitColumns, "u") + `, COUNT(k.keyword) AS matches
        FROM memory_units u
        JOIN unit_keywords k ON k.unit_id = u.unit_id
        WHERE u.project_id = ? AND u.is_active = 1
          AND k.keyword IN (` + placeholders(len(normalized)) + `)`)
	args = append(args, q.ProjectID)
	for _, kw := range normalized {
		args = append(args, kw)
	}

	if !q.IncludeExpired {
		sb.WriteString(` AND (u.expires_at IS NULL OR u.expires_at > ?)`)
		args = append(args, time.Now().UTC())
	}
	if len(q.UnitTypes) > 0 {
		sb.WriteString(` AND u.unit_type IN (` + placeholders(len(q.UnitTypes)) + `)`)
		for _, t := range q.UnitTypes {
			args = append(args, string(t))
		}
	}
	if q.TimeRange != nil {
		if !q.TimeRange.From.IsZero() {
			sb.WriteString(` AND u.created_at >= ?`)
			args = append(args, q.TimeRange.From.UTC())
		}
		if !q.TimeRange.To.IsZero() {
			sb.WriteString(` AND u.created_at <= ?`)
			args = append(args, q.TimeRange.To.UTC())
		}
	}

	// Recency decides which candidates survive the limit; match counts
	// only feed the caller's scoring.
	sb.WriteString(` GROUP BY u.unit_id ORDER BY u.created_at DESC, u.unit_id LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []*KeywordHit
	for rows.Next() {
		unit, matches, err := scanUnitWithMatches(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, &KeywordHit{Unit: unit, Matches: matches})
	}
	return hits, rows.Err()
}

func (s *sqliteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.MemoryUnit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+unitColumns+` FROM memory_units
        WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
        ORDER BY expires_at ASC LIMIT ?
    `, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, unit)
	}
	return out, rows.Err()
}

// ─── Cost accounting ──────────────────────────────────────────────────────────

func (s *sqliteStore) AppendCostRecord(ctx context.Context, rec *models.CostRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO cost_records(provider, model, operation, input_tokens, output_tokens, cost_usd, project_id, timestamp)
        VALUES(?,?,?,?,?,?,?,?)
    `, rec.Provider, rec.Model, rec.Operation, rec.InputTokens, rec.OutputTokens, rec.Cost, rec.ProjectID, ts.UTC())
	if err != nil {
		return fmt.Errorf("append cost record: %w", err)
	}
	return nil
}

func (s *sqliteStore) CostSummary(ctx context.Context, since time.Time, projectID string) (*CostSummary, error) {
	query := `
        SELECT provider, model, operation, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
        FROM cost_records WHERE timestamp >= ?`
	args := []any{since.UTC()}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += `
        GROUP BY provider, model, operation
        ORDER BY SUM(cost_usd) DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cost summary: %w", err)
	}
	defer rows.Close()

	summary := &CostSummary{Since: since.UTC(), ProjectID: projectID}
	for rows.Next() {
		var line CostLine
		if err := rows.Scan(&line.Provider, &line.Model, &line.Operation,
			&line.Calls, &line.InputTokens, &line.OutputTokens, &line.CostUSD); err != nil {
			return nil, fmt.Errorf("scan cost line: %w", err)
		}
		summary.TotalUSD += line.CostUSD
		summary.Lines = append(summary.Lines, line)
	}
	return summary, rows.Err()
}

// ─── Idempotency ──────────────────────────────────────────────────────────────

func (s *sqliteStore) LookupIdempotency(ctx context.Context, key string) (string, bool, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM idempotency_keys WHERE key = ?`, key).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return conversationID, true, nil
}

func (s *sqliteStore) RecordIdempotency(ctx context.Context, key, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO idempotency_keys(key, conversation_id, created_at) VALUES(?,?,?)
        ON CONFLICT(key) DO NOTHING
    `, key, conversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// ─── Introspection ────────────────────────────────────────────────────────────

func (s *sqliteStore) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM projects),
            (SELECT COUNT(*) FROM conversations),
            (SELECT COUNT(*) FROM memory_units WHERE is_active = 1),
            (SELECT COUNT(*) FROM memory_units)
    `).Scan(&c.Projects, &c.Conversations, &c.ActiveUnits, &c.TotalUnits)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	return &c, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*models.MemoryUnit, error) {
	var (
		u         models.MemoryUnit
		unitType  string
		keywords  string
		createdAt string
		updatedAt string
		expiresAt sql.NullString
	)
	err := row.Scan(&u.UnitID, &u.ProjectID, &u.ConversationID, &unitType,
		&u.Title, &u.Summary, &u.Content, &keywords, &u.RelevanceScore,
		&u.TokenCount, &createdAt, &updatedAt, &expiresAt, &u.IsActive)
	if err != nil {
		return nil, err
	}
	return finishUnit(&u, unitType, keywords, createdAt, updatedAt, expiresAt)
}

func scanUnitWithMatches(row rowScanner) (*models.MemoryUnit, int, error) {
	var (
		u         models.MemoryUnit
		unitType  string
		keywords  string
		createdAt string
		updatedAt string
		expiresAt sql.NullString
		matches   int
	)
	err := row.Scan(&u.UnitID, &u.ProjectID, &u.ConversationID, &unitType,
		&u.Title, &u.Summary, &u.Content, &keywords, &u.RelevanceScore,
		&u.TokenCount, &createdAt, &updatedAt, &expiresAt, &u.IsActive, &matches)
	if err != nil {
		return nil, 0, fmt.Errorf("scan keyword hit: %w", err)
	}
	unit, err := finishUnit(&u, unitType, keywords, createdAt, updatedAt, expiresAt)
	return unit, matches, err
}

func finishUnit(u *models.MemoryUnit, unitType, keywords, createdAt, updatedAt string, expiresAt sql.NullString) (*models.MemoryUnit, error) {
	u.UnitType = models.UnitType(unitType)
	if err := json.Unmarshal([]byte(keywords), &u.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		u.ExpiresAt = &t
	}
	return u, nil
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMap(s string, dst *map[string]string) error {
	if s == "" || s == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// qualify prefixes every column in a comma-separated list with an alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
