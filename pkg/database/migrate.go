package database

import (
	"context"
	"fmt"
)

const matchmakingSchema = `
CREATE EXTENSION IF NOT EXISTS "pgcrypto";

CREATE TABLE IF NOT EXISTS matchmaking_sessions (
    id text PRIMARY KEY,
    members text[] NOT NULL,
    game_mode text NOT NULL,
    average_skill double precision NOT NULL,
    skill_spread integer NOT NULL,
    state text NOT NULL,
    close_reason text,
    formed_at timestamptz NOT NULL,
    ready_at timestamptz,
    active_at timestamptz,
    closed_at timestamptz,
    updated_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS matchmaking_sessions_members_idx
ON matchmaking_sessions USING GIN (members);

CREATE TABLE IF NOT EXISTS matchmaking_requests_audit (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    request_id text NOT NULL,
    player_id text NOT NULL,
    game_mode text NOT NULL,
    action text NOT NULL,
    session_id text,
    wait_credit_ms bigint NOT NULL DEFAULT 0,
    recorded_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS matchmaking_requests_audit_player_idx
ON matchmaking_requests_audit (player_id, recorded_at DESC);
`

// Migrate 매칭 기록 테이블 생성 (여러 번 실행해도 안전).
// 한 트랜잭션으로 실행해서 실패하면 아무것도 남기지 않는다.
func Migrate(ctx context.Context, db *DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, matchmakingSchema); err != nil {
		return fmt.Errorf("failed to run matchmaking migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
