package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Thetason/obiwan-sub003/internal/analysis"
)

var ddlSessions = fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS pitch_sessions (
    id            TEXT         PRIMARY KEY,
    mode          TEXT         NOT NULL,
    target_hz     DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at    TIMESTAMPTZ  NOT NULL,
    stopped_at    TIMESTAMPTZ  NOT NULL,
    chunks        INTEGER      NOT NULL DEFAULT 0,
    results       INTEGER      NOT NULL DEFAULT 0,
    skipped       INTEGER      NOT NULL DEFAULT 0,
    rejected      INTEGER      NOT NULL DEFAULT 0,
    chords        INTEGER      NOT NULL DEFAULT 0,
    mean_pitch    DOUBLE PRECISION NOT NULL DEFAULT 0,
    dominant_note TEXT         NOT NULL DEFAULT '',
    vibrato       JSONB        NOT NULL DEFAULT '{}',
    breath        JSONB        NOT NULL DEFAULT '{}',
    profile       vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_pitch_sessions_stopped_at
    ON pitch_sessions (stopped_at);

CREATE INDEX IF NOT EXISTS idx_pitch_sessions_profile
    ON pitch_sessions USING hnsw (profile vector_cosine_ops);
`, analysis.ProfileBins)

// Migrate creates the pgvector extension and the session table if they do
// not exist. It is idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
