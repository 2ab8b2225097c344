package models

import "time"

type SessionState string

const (
	SessionForming SessionState = "forming"
	SessionReady   SessionState = "ready"
	SessionActive  SessionState = "active"
	SessionClosed  SessionState = "closed"
)

type CloseReason string

const (
	CloseCompleted CloseReason = "completed"
	CloseAbandoned CloseReason = "abandoned"
	CloseTimeout   CloseReason = "timeout"
	CloseAborted   CloseReason = "aborted"
)

// Session 매칭으로 확정된 플레이어 그룹
type Session struct {
	SessionID    string          `json:"sessionId" db:"id"`
	Members      []string        `json:"members" db:"members"`
	GameMode     string          `json:"gameMode" db:"game_mode"`
	AverageSkill float64         `json:"averageSkill" db:"average_skill"`
	Spread       int             `json:"spread" db:"skill_spread"`
	State        SessionState    `json:"state" db:"state"`
	Acks         map[string]bool `json:"acks"`
	FormedAt     time.Time       `json:"formedAt" db:"formed_at"`
	ReadyAt      *time.Time      `json:"readyAt,omitempty" db:"ready_at"`
	ActiveAt     *time.Time      `json:"activeAt,omitempty" db:"active_at"`
	ClosedAt     *time.Time      `json:"closedAt,omitempty" db:"closed_at"`
	CloseReason  *CloseReason    `json:"closeReason,omitempty" db:"close_reason"`

	// 세션 해산 시 멤버를 원래 대기 크레딧으로 재등록하기 위해 보관
	Requests []MatchRequest `json:"-" db:"-"`
}

// HasMember 멤버 여부 확인
func (s *Session) HasMember(playerID string) bool {
	for _, m := range s.Members {
		if m == playerID {
			return true
		}
	}
	return false
}

// IsOpen closed가 아닌 세션인지
func (s *Session) IsOpen() bool {
	return s.State != SessionClosed
}

// Clone 외부 공개용 깊은 복사
func (s *Session) Clone() Session {
	c := *s
	c.Members = append([]string(nil), s.Members...)
	c.Requests = append([]MatchRequest(nil), s.Requests...)
	c.Acks = make(map[string]bool, len(s.Acks))
	for k, v := range s.Acks {
		c.Acks[k] = v
	}
	return c
}
