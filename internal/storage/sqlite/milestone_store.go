// Package sqlite keeps the milestone audit trail in a single SQLite file,
// for deployments that run without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/JakeFAU/scrolldepth/internal/store"
)

// MilestoneStore persists milestone rows in SQLite.
type MilestoneStore struct {
	db *sql.DB
}

var _ store.MilestoneRepository = (*MilestoneStore)(nil)

// Open opens (or creates) the database at path. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*MilestoneStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MilestoneStore{db: db}, nil
}

// dsn adds WAL and a busy timeout to avoid "database is locked", keeping any
// query parameters already on path.
func dsn(path string) string {
	const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	switch {
	case !strings.Contains(path, "?"):
		return path + "?" + pragmas
	case strings.HasSuffix(path, "?"), strings.HasSuffix(path, "&"):
		return path + pragmas
	default:
		return path + "&" + pragmas
	}
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS milestone_events(
	  session_id      TEXT    NOT NULL,
	  milestone_index INTEGER NOT NULL,
	  milestone       REAL    NOT NULL,
	  percentage      REAL    NOT NULL,
	  attention_ms    INTEGER NOT NULL CHECK (attention_ms >= 0),
	  reached_at_ms   INTEGER NOT NULL,
	  url             TEXT    NOT NULL DEFAULT '',
	  label           TEXT    NOT NULL DEFAULT '',
	  PRIMARY KEY (session_id, milestone_index)
	);
	CREATE INDEX IF NOT EXISTS idx_milestone_events_reached ON milestone_events(reached_at_ms);
	`)
	if err != nil {
		return fmt.Errorf("create milestone tables: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *MilestoneStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// RecordMilestones inserts the records in one transaction.
func (s *MilestoneStore) RecordMilestones(ctx context.Context, records []store.MilestoneRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO milestone_events(
		session_id, milestone_index, milestone, percentage, attention_ms, reached_at_ms, url, label
	) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.SessionID == uuid.Nil {
			_ = tx.Rollback()
			return fmt.Errorf("record session id is required")
		}
		if _, err := stmt.ExecContext(ctx,
			rec.SessionID.String(),
			rec.MilestoneIndex,
			rec.Milestone,
			rec.Percentage,
			rec.AttentionMillis,
			rec.ReachedAt.UnixMilli(),
			rec.URL,
			rec.Label,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert milestone: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListMilestones returns one session's rows ordered by percentage.
func (s *MilestoneStore) ListMilestones(ctx context.Context, sessionID uuid.UUID) ([]store.MilestoneRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT milestone_index, milestone, percentage, attention_ms, reached_at_ms, url, label
	FROM milestone_events
	WHERE session_id = ?
	ORDER BY percentage, milestone_index`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	var out []store.MilestoneRecord
	for rows.Next() {
		rec := store.MilestoneRecord{SessionID: sessionID}
		var reachedMillis int64
		if err := rows.Scan(
			&rec.MilestoneIndex,
			&rec.Milestone,
			&rec.Percentage,
			&rec.AttentionMillis,
			&reachedMillis,
			&rec.URL,
			&rec.Label,
		); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		rec.ReachedAt = time.UnixMilli(reachedMillis).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}
