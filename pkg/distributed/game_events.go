package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rephlax/clutchcrew/internal/models"
	"go.uber.org/zap"
)

const DefaultGameEventChannel = "game:events"

// GameEventHandler 게임 이벤트 처리 함수
type GameEventHandler func(ctx context.Context, ev models.GameEvent) error

// GameEventBus Redis Pub/Sub 기반 게임 이벤트 수신/발행
type GameEventBus struct {
	client     *redis.Client
	logger     *zap.Logger
	instanceID string
	channel    string
}

// NewGameEventBus GameEventBus 생성
func NewGameEventBus(client *redis.Client, channel string, logger *zap.Logger) *GameEventBus {
	if channel == "" {
		channel = DefaultGameEventChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GameEventBus{
		client:     client,
		logger:     logger,
		instanceID: uuid.New().String(),
		channel:    channel,
	}
}

// Subscribe ctx가 취소될 때까지 이벤트를 받아 handler로 넘긴다
func (b *GameEventBus) Subscribe(ctx context.Context, handler GameEventHandler) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// 구독 확인
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	b.logger.Info("Game event subscriber started",
		zap.String("instance_id", b.instanceID),
		zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg == nil {
				continue
			}

			var ev models.GameEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Error("Failed to unmarshal game event", zap.Error(err))
				continue
			}
			if ev.SessionID == "" {
				b.logger.Warn("Game event without session id", zap.String("type", string(ev.Type)))
				continue
			}

			b.logger.Debug("Received game event",
				zap.String("type", string(ev.Type)),
				zap.String("sessionId", ev.SessionID))

			if err := handler(ctx, ev); err != nil {
				b.logger.Error("Failed to handle game event",
					zap.String("type", string(ev.Type)),
					zap.String("sessionId", ev.SessionID),
					zap.Error(err))
			}

		case <-ctx.Done():
			b.logger.Info("Game event subscriber stopped")
			return nil
		}
	}
}

// Publish 게임 이벤트 발행 (게임 서비스 및 테스트용)
func (b *GameEventBus) Publish(ctx context.Context, ev models.GameEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal game event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish game event: %w", err)
	}
	return nil
}
