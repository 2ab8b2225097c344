package models

import "time"

// SessionFormed 세션 생성 이벤트 (채팅/게임 서비스로 전달)
type SessionFormed struct {
	SessionID string    `json:"sessionId"`
	Members   []string  `json:"members"`
	GameMode  string    `json:"gameMode"`
	FormedAt  time.Time `json:"formedAt"`
}

// SessionClosedEvent 세션 종료 이벤트
type SessionClosedEvent struct {
	SessionID string      `json:"sessionId"`
	Members   []string    `json:"members"`
	Reason    CloseReason `json:"reason"`
}

// QueuePositionChanged 큐 순번 변경 이벤트
type QueuePositionChanged struct {
	PlayerID        string `json:"playerId"`
	GameMode        string `json:"gameMode"`
	Position        int    `json:"position"`
	Total           int    `json:"total"`
	EstimatedWaitMs int64  `json:"estimatedWaitMs"`
}

type GameEventType string

const (
	GameStarted GameEventType = "game_started"
	GameEnded   GameEventType = "game_ended"
)

// GameEvent 게임 서비스가 보내는 세션 상태 이벤트
type GameEvent struct {
	Type      GameEventType `json:"type"`
	SessionID string        `json:"sessionId"`
	Timestamp time.Time     `json:"timestamp"`
}
