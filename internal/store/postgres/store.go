// Package postgres is the PostgreSQL implementation of the session store.
// Pitch-class profiles live in a pgvector column so similar sessions are
// found with the cosine distance operator.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/Thetason/obiwan-sub003/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a [store.Store] on a [pgxpool.Pool]. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection,
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity; it is used as a readiness check.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

const columns = `id, mode, target_hz, started_at, stopped_at, chunks, results, skipped,
       rejected, chords, mean_pitch, dominant_note, vibrato, breath, profile`

// Save implements [store.Store].
func (s *Store) Save(ctx context.Context, r store.SessionRecord) error {
	const q = `
		INSERT INTO pitch_sessions (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		    mode          = EXCLUDED.mode,
		    target_hz     = EXCLUDED.target_hz,
		    started_at    = EXCLUDED.started_at,
		    stopped_at    = EXCLUDED.stopped_at,
		    chunks        = EXCLUDED.chunks,
		    results       = EXCLUDED.results,
		    skipped       = EXCLUDED.skipped,
		    rejected      = EXCLUDED.rejected,
		    chords        = EXCLUDED.chords,
		    mean_pitch    = EXCLUDED.mean_pitch,
		    dominant_note = EXCLUDED.dominant_note,
		    vibrato       = EXCLUDED.vibrato,
		    breath        = EXCLUDED.breath,
		    profile       = EXCLUDED.profile`

	var profile *pgvector.Vector
	if len(r.Profile) > 0 {
		v := pgvector.NewVector(r.Profile)
		profile = &v
	}
	_, err := s.pool.Exec(ctx, q,
		r.ID, r.Mode, r.TargetHz, r.StartedAt, r.StoppedAt,
		r.Chunks, r.Results, r.Skipped, r.Rejected, r.Chords,
		r.MeanPitch, r.DominantNote, r.Vibrato, r.Breath, profile,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save %s: %w", r.ID, err)
	}
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, id string) (store.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM pitch_sessions WHERE id = $1`, id)
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("postgres store: get %s: %w", id, err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("postgres store: get %s: %w", id, err)
	}
	return r, nil
}

// Similar implements [store.Store] with the pgvector <=> operator.
func (s *Store) Similar(ctx context.Context, id string, limit int) ([]store.Match, error) {
	if limit <= 0 {
		limit = store.DefaultSimilarLimit
	}
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(q.Profile) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+`, profile <=> $1 AS distance
		FROM   pitch_sessions
		WHERE  id <> $2 AND profile IS NOT NULL
		ORDER  BY distance, stopped_at
		LIMIT  $3`, pgvector.NewVector(q.Profile), id, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar %s: %w", id, err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Match, error) {
		var m store.Match
		var vec *pgvector.Vector
		err := row.Scan(recordDest(&m.Record, &vec, &m.Distance)...)
		if vec != nil {
			m.Record.Profile = vec.Slice()
		}
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar %s: %w", id, err)
	}
	return matches, nil
}

func scanRecord(row pgx.CollectableRow) (store.SessionRecord, error) {
	var r store.SessionRecord
	var vec *pgvector.Vector
	if err := row.Scan(recordDest(&r, &vec)...); err != nil {
		return r, err
	}
	if vec != nil {
		r.Profile = vec.Slice()
	}
	return r, nil
}

// recordDest returns scan targets in [columns] order followed by extra.
func recordDest(r *store.SessionRecord, vec **pgvector.Vector, extra ...any) []any {
	return append([]any{
		&r.ID, &r.Mode, &r.TargetHz, &r.StartedAt, &r.StoppedAt,
		&r.Chunks, &r.Results, &r.Skipped, &r.Rejected, &r.Chords,
		&r.MeanPitch, &r.DominantNote, &r.Vibrato, &r.Breath, vec,
	}, extra...)
}
