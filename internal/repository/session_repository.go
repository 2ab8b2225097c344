package repository

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/rephlax/clutchcrew/pkg/database"
)

// SessionRepository 세션 기록 저장소 (외부 저장 서비스 경계)
type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SaveSession 세션 상태 저장 (없으면 생성, 있으면 갱신)
func (r *SessionRepository) SaveSession(ctx context.Context, s models.Session) error {
	query := `
		INSERT INTO matchmaking_sessions
			(id, members, game_mode, average_skill, skill_spread, state, close_reason,
			 formed_at, ready_at, active_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET
			state = EXCLUDED.state,
			close_reason = EXCLUDED.close_reason,
			ready_at = EXCLUDED.ready_at,
			active_at = EXCLUDED.active_at,
			closed_at = EXCLUDED.closed_at,
			updated_at = NOW()
	`

	var reason *string
	if s.CloseReason != nil {
		v := string(*s.CloseReason)
		reason = &v
	}

	_, err := r.db.ExecContext(ctx, query,
		s.SessionID,
		pq.Array(s.Members),
		s.GameMode,
		s.AverageSkill,
		s.Spread,
		string(s.State),
		reason,
		s.FormedAt,
		s.ReadyAt,
		s.ActiveAt,
		s.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// RecordRequest 요청 감사 로그 저장
func (r *SessionRepository) RecordRequest(ctx context.Context, a models.RequestAudit) error {
	query := `
		INSERT INTO matchmaking_requests_audit
			(request_id, player_id, game_mode, action, session_id, wait_credit_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.RequestID,
		a.PlayerID,
		a.GameMode,
		string(a.Action),
		a.SessionID,
		a.WaitCredit.Milliseconds(),
		a.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record request audit: %w", err)
	}
	return nil
}

// FindSessionsByPlayer 플레이어가 참여한 최근 세션 기록
func (r *SessionRepository) FindSessionsByPlayer(ctx context.Context, playerID string, limit int) ([]models.Session, error) {
	query := `
		SELECT id, members, game_mode, average_skill, skill_spread, state, close_reason,
		       formed_at, ready_at, active_at, closed_at
		FROM matchmaking_sessions
		WHERE $1 = ANY(members)
		ORDER BY formed_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var (
			s      models.Session
			state  string
			reason *string
		)
		if err := rows.Scan(
			&s.SessionID,
			pq.Array(&s.Members),
			&s.GameMode,
			&s.AverageSkill,
			&s.Spread,
			&state,
			&reason,
			&s.FormedAt,
			&s.ReadyAt,
			&s.ActiveAt,
			&s.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.State = models.SessionState(state)
		if reason != nil {
			cr := models.CloseReason(*reason)
			s.CloseReason = &cr
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
