package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rephlax/clutchcrew/internal/models"
	"go.uber.org/zap"
)

var ErrGatewayDelivery = errors.New("gateway delivery failed")

const (
	MessageSessionFormed        = "session_formed"
	MessageSessionClosed        = "session_closed"
	MessageQueuePositionChanged = "queue_position_changed"
)

// ChatChannel 세션별 채팅 채널 (외부 채팅 서비스 경계)
type ChatChannel interface {
	OpenRoom(ctx context.Context, ev models.SessionFormed) error
	CloseRoom(ctx context.Context, ev models.SessionClosedEvent) error
	NotifyPlayer(ctx context.Context, playerID, msgType string, payload interface{}) error
}

// GameChannel 게임 인스턴스 서비스 경계
type GameChannel interface {
	InstantiateMatch(ctx context.Context, ev models.SessionFormed) error
	TeardownMatch(ctx context.Context, ev models.SessionClosedEvent) error
}

// Gateway 내부 이벤트를 채팅/게임 서비스 호출로 변환.
// 전달은 best-effort이며 실패는 로그만 남기고 재시도하지 않는다.
type Gateway struct {
	chat   ChatChannel
	game   GameChannel
	logger *zap.Logger
}

// NewGateway Gateway 생성
func NewGateway(chat ChatChannel, game GameChannel, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		chat:   chat,
		game:   game,
		logger: logger,
	}
}

// SessionFormed 세션 생성 알림
func (g *Gateway) SessionFormed(ctx context.Context, s models.Session) error {
	ev := models.SessionFormed{
		SessionID: s.SessionID,
		Members:   append([]string(nil), s.Members...),
		GameMode:  s.GameMode,
		FormedAt:  s.FormedAt,
	}

	var failed error
	if err := g.chat.OpenRoom(ctx, ev); err != nil {
		failed = g.fail("chat", MessageSessionFormed, s.SessionID, err)
	}
	if err := g.game.InstantiateMatch(ctx, ev); err != nil {
		failed = g.fail("game", MessageSessionFormed, s.SessionID, err)
	}
	return failed
}

// SessionClosed 세션 종료 알림
func (g *Gateway) SessionClosed(ctx context.Context, s models.Session) error {
	reason := models.CloseAbandoned
	if s.CloseReason != nil {
		reason = *s.CloseReason
	}
	ev := models.SessionClosedEvent{
		SessionID: s.SessionID,
		Members:   append([]string(nil), s.Members...),
		Reason:    reason,
	}

	var failed error
	if err := g.chat.CloseRoom(ctx, ev); err != nil {
		failed = g.fail("chat", MessageSessionClosed, s.SessionID, err)
	}
	if err := g.game.TeardownMatch(ctx, ev); err != nil {
		failed = g.fail("game", MessageSessionClosed, s.SessionID, err)
	}
	return failed
}

// QueuePositionChanged 대기 순번 변경 알림
func (g *Gateway) QueuePositionChanged(ctx context.Context, ev models.QueuePositionChanged) error {
	if err := g.chat.NotifyPlayer(ctx, ev.PlayerID, MessageQueuePositionChanged, ev); err != nil {
		return g.fail("chat", MessageQueuePositionChanged, ev.PlayerID, err)
	}
	return nil
}

func (g *Gateway) fail(target, event, id string, err error) error {
	g.logger.Warn("Notification delivery failed",
		zap.String("target", target),
		zap.String("event", event),
		zap.String("id", id),
		zap.Error(err))
	return fmt.Errorf("%w: %s %s: %v", ErrGatewayDelivery, target, event, err)
}

// NoopGameChannel 게임 서비스가 설정되지 않았을 때 사용
type NoopGameChannel struct {
	Logger *zap.Logger
}

func (n NoopGameChannel) InstantiateMatch(_ context.Context, ev models.SessionFormed) error {
	if n.Logger != nil {
		n.Logger.Debug("Game channel disabled, skipping match instantiation", zap.String("sessionId", ev.SessionID))
	}
	return nil
}

func (n NoopGameChannel) TeardownMatch(_ context.Context, ev models.SessionClosedEvent) error {
	if n.Logger != nil {
		n.Logger.Debug("Game channel disabled, skipping match teardown", zap.String("sessionId", ev.SessionID))
	}
	return nil
}
