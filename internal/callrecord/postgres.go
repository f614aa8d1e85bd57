package callrecord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		caller_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		media_kind TEXT NOT NULL CHECK (media_kind IN ('audio', 'video')),
		status TEXT NOT NULL DEFAULT 'ringing' CHECK (status IN ('ringing', 'accepted', 'rejected', 'ended')),
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls (caller_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_receiver ON calls (receiver_id, created_at DESC)`,
}

const recordColumns = `id, caller_id, receiver_id, media_kind, status, started_at, ended_at, created_at, updated_at`

// OpenPostgres creates a pool for databaseURL and validates connectivity.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the calls table and its indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate calls: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.CallerID, r.ReceiverID, string(r.MediaKind), string(r.Status),
		r.StartedAt, r.EndedAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM calls WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(Record) (Record, error)) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM calls WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Record{}, err
	}
	next, err := fn(cur)
	if err != nil {
		return cur, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE calls SET status = $2, started_at = $3, ended_at = $4, updated_at = $5 WHERE id = $1`,
		id, string(next.Status), next.StartedAt, next.EndedAt, next.UpdatedAt); err != nil {
		return cur, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, err
	}
	return next, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM calls
		 WHERE caller_id = $1 OR receiver_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r                 Record
		mediaKind, status string
	)
	err := row.Scan(&r.ID, &r.CallerID, &r.ReceiverID, &mediaKind, &status,
		&r.StartedAt, &r.EndedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.MediaKind = MediaKind(mediaKind)
	r.Status = Status(status)
	return r, nil
}
