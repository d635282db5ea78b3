// Package postgres provides the Postgres-backed milestone audit trail.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrolldepth/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "milestone_events"

// Config controls the Postgres connection pool used for milestone rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// MilestoneStore writes milestone rows into Postgres.
type MilestoneStore struct {
	pool  queryPool
	table string
}

var _ store.MilestoneRepository = (*MilestoneStore)(nil)

// NewMilestoneStore connects a pool using cfg.
func NewMilestoneStore(ctx context.Context, cfg Config) (*MilestoneStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &MilestoneStore{pool: pool, table: table}, nil
}

// NewMilestoneStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewMilestoneStoreWithPool(pool queryPool, table string) (*MilestoneStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &MilestoneStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Migrate creates the milestone table when it does not exist.
func (s *MilestoneStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	session_id        UUID             NOT NULL,
	milestone_index   INTEGER          NOT NULL,
	milestone         DOUBLE PRECISION NOT NULL,
	percentage        DOUBLE PRECISION NOT NULL,
	attention_ms      BIGINT           NOT NULL,
	reached_at        TIMESTAMPTZ      NOT NULL,
	url               TEXT             NOT NULL DEFAULT '',
	label             TEXT             NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, milestone_index)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *MilestoneStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// RecordMilestones inserts each record, ignoring (session, index) pairs
// that are already stored.
func (s *MilestoneStore) RecordMilestones(ctx context.Context, records []store.MilestoneRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("milestone store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	session_id,
	milestone_index,
	milestone,
	percentage,
	attention_ms,
	reached_at,
	url,
	label
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
) ON CONFLICT (session_id, milestone_index) DO NOTHING`, s.table)

	for _, rec := range records {
		if rec.SessionID == uuid.Nil {
			return fmt.Errorf("record session id is required")
		}
		_, err := s.pool.Exec(ctx, query,
			rec.SessionID,
			rec.MilestoneIndex,
			rec.Milestone,
			rec.Percentage,
			rec.AttentionMillis,
			rec.ReachedAt,
			rec.URL,
			rec.Label,
		)
		if err != nil {
			return fmt.Errorf("insert milestone %d for %s: %w", rec.MilestoneIndex, rec.SessionID, err)
		}
	}
	return nil
}

// ListMilestones returns the rows for one session ordered by percentage.
func (s *MilestoneStore) ListMilestones(ctx context.Context, sessionID uuid.UUID) ([]store.MilestoneRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("milestone store is not configured")
	}
	query := fmt.Sprintf(`
SELECT session_id, milestone_index, milestone, percentage, attention_ms, reached_at, url, label
FROM %s
WHERE session_id = $1
ORDER BY percentage, milestone_index`, s.table)

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	var out []store.MilestoneRecord
	for rows.Next() {
		var rec store.MilestoneRecord
		if err := rows.Scan(
			&rec.SessionID,
			&rec.MilestoneIndex,
			&rec.Milestone,
			&rec.Percentage,
			&rec.AttentionMillis,
			&rec.ReachedAt,
			&rec.URL,
			&rec.Label,
		); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
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
