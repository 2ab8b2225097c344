package models

import "time"

// MatchRequest 매칭 큐에 들어간 플레이어 요청
type MatchRequest struct {
	RequestID   string        `json:"requestId" db:"request_id"`
	PlayerID    string        `json:"playerId" db:"player_id"`
	SkillRating int           `json:"skillRating" db:"skill_rating"`
	PartySize   int           `json:"partySize" db:"party_size"`
	GameMode    string        `json:"gameMode" db:"game_mode"`
	QueuedAt    time.Time     `json:"queuedAt" db:"queued_at"`
	WaitCredit  time.Duration `json:"waitCredit" db:"wait_credit"`
	CreditedAt  time.Time     `json:"-" db:"credited_at"`
	// 해산된 세션에서 돌아온 시각. 만료는 QueuedAt과 이 값 중 늦은 쪽부터 잰다.
	RestoredAt time.Time `json:"-" db:"-"`
}

// ExpiryBase 대기 만료 기준 시각
func (r MatchRequest) ExpiryBase() time.Time {
	if r.RestoredAt.After(r.QueuedAt) {
		return r.RestoredAt
	}
	return r.QueuedAt
}

// EffectiveWaitCredit now 시점까지 누적된 대기 크레딧
func (r MatchRequest) EffectiveWaitCredit(now time.Time) time.Duration {
	if now.Before(r.CreditedAt) {
		return r.WaitCredit
	}
	return r.WaitCredit + now.Sub(r.CreditedAt)
}

// QueueSnapshot 특정 시점의 큐 복사본 (읽기 전용)
type QueueSnapshot struct {
	Version  uint64         `json:"version"`
	TakenAt  time.Time      `json:"takenAt"`
	Requests []MatchRequest `json:"requests"`
}

// Len 스냅샷의 요청 수
func (s QueueSnapshot) Len() int {
	return len(s.Requests)
}

// QueueStatus 플레이어의 큐 상태
type QueueStatus struct {
	PlayerID      string        `json:"playerId"`
	GameMode      string        `json:"gameMode"`
	Position      int           `json:"position"`
	Total         int           `json:"total"`
	WaitCredit    time.Duration `json:"waitCredit"`
	EstimatedWait time.Duration `json:"estimatedWait"`
}

type AuditAction string

const (
	AuditEnqueued  AuditAction = "enqueued"
	AuditReplaced  AuditAction = "replaced"
	AuditWithdrawn AuditAction = "withdrawn"
	AuditMatched   AuditAction = "matched"
	AuditExpired   AuditAction = "expired"
	AuditRequeued  AuditAction = "requeued"
)

// RequestAudit 요청 감사 로그 항목
type RequestAudit struct {
	RequestID  string        `db:"request_id" json:"requestId"`
	PlayerID   string        `db:"player_id" json:"playerId"`
	GameMode   string        `db:"game_mode" json:"gameMode"`
	Action     AuditAction   `db:"action" json:"action"`
	SessionID  *string       `db:"session_id" json:"sessionId,omitempty"`
	WaitCredit time.Duration `db:"wait_credit_ms" json:"waitCredit"`
	RecordedAt time.Time     `db:"recorded_at" json:"recordedAt"`
}
