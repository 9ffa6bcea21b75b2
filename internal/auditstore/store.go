// Package auditstore keeps a SQLite-backed log of call interactions:
// routing decisions, handoff milestones, emergency escalations. Writes
// are best effort; a failing audit store never blocks call handling.
package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/faults"
	_ "modernc.org/sqlite"
)

// Interaction is one recorded audit entry.
type Interaction struct {
	ID        int64
	SessionID string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite audit log. In ephemeral retention mode no
// database is opened and every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.AuditStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the audit store according to config.
func Open(ctx context.Context, cfg config.AuditStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("audit store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("audit store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS interactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_session_created ON interactions(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LogInteraction records one audit entry. The session id is taken from
// data["session_id"] when present; the rest of the map is stored as the
// JSON payload.
func (s *Store) LogInteraction(ctx context.Context, kind string, data map[string]any) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	sessionID, _ := data["session_id"].(string)
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions(session_id, kind, payload, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, kind, payload, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("insert interaction: %w: %w", faults.ErrTransientIO, err)
	}
	return nil
}

// ListSessionInteractions retrieves up to limit entries for a session
// ordered ascending by time.
func (s *Store) ListSessionInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, payload, created_at
		 FROM interactions WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var it Interaction
		var created string
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Kind, &it.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			it.CreatedAt = ts
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Prune applies the configured retention window.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE session_id IN (
			SELECT session_id FROM interactions GROUP BY session_id
			ORDER BY MAX(created_at) DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return nil
}
