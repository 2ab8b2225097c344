package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rephlax/clutchcrew/internal/models"
)

var (
	ErrQueueEmpty = errors.New("queue is empty")
	ErrQueueFull  = errors.New("queue is full")
)

type JobKind string

const (
	JobInstantiate JobKind = "instantiate"
	JobTeardown    JobKind = "teardown"
)

// DispatchJob 게임 서비스가 가져갈 작업
type DispatchJob struct {
	ID         string                     `json:"id"`
	Kind       JobKind                    `json:"kind"`
	SessionID  string                     `json:"session_id"`
	Formed     *models.SessionFormed      `json:"formed,omitempty"`
	Closed     *models.SessionClosedEvent `json:"closed,omitempty"`
	Priority   int                        `json:"priority"` // 높을수록 먼저 처리
	Retries    int                        `json:"retries"`
	MaxRetries int                        `json:"max_retries"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// DispatchQueue Redis Sorted Set 기반 게임 작업 우선순위 큐.
// 매칭 쪽은 Enqueue만 하고, Dequeue/Retry/DLQ는 게임 서버 디스패처가 쓴다.
type DispatchQueue struct {
	client        *redis.Client
	queueKey      string // 메인 큐 (Sorted Set)
	processingKey string // 처리 중 작업 (Hash)
	dlqKey        string // Dead Letter Queue (List)
	maxSize       int    // 최대 큐 크기 (0 = 무제한)
}

// NewDispatchQueue DispatchQueue 생성
func NewDispatchQueue(client *redis.Client, queueName string, maxSize int) *DispatchQueue {
	return &DispatchQueue{
		client:        client,
		queueKey:      fmt.Sprintf("queue:%s", queueName),
		processingKey: fmt.Sprintf("queue:%s:processing", queueName),
		dlqKey:        fmt.Sprintf("queue:%s:dlq", queueName),
		maxSize:       maxSize,
	}
}

// Enqueue 작업 추가 (우선순위 기반)
func (q *DispatchQueue) Enqueue(ctx context.Context, job *DispatchJob) error {
	if q.maxSize > 0 {
		size, err := q.client.ZCard(ctx, q.queueKey).Result()
		if err != nil {
			return fmt.Errorf("failed to get queue size: %w", err)
		}
		if int(size) >= q.maxSize {
			return ErrQueueFull
		}
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// 높은 priority가 낮은 score를 갖도록 음수로 저장 (ZPOPMIN 사용)
	if err := q.client.ZAdd(ctx, q.queueKey, redis.Z{
		Score:  float64(-job.Priority),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

var dequeueScript = redis.NewScript(`
	local items = redis.call('ZPOPMIN', KEYS[1], 1)
	if #items == 0 then
		return false
	end

	local data = items[1]
	local id = cjson.decode(data).id

	redis.call('HSET', KEYS[2], id, data)
	redis.call('HSET', KEYS[2], id .. ':timestamp', ARGV[1])

	return data
`)

// Dequeue 우선순위가 가장 높은 작업을 꺼내 processing으로 옮긴다
func (q *DispatchQueue) Dequeue(ctx context.Context) (*DispatchJob, error) {
	result, err := dequeueScript.Run(ctx, q.client, []string{q.queueKey, q.processingKey}, time.Now().Unix()).Result()
	if err == redis.Nil || result == nil {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	data, ok := result.(string)
	if !ok {
		return nil, ErrQueueEmpty
	}

	var job DispatchJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Complete 처리 완료 (processing에서 제거)
func (q *DispatchQueue) Complete(ctx context.Context, jobID string) error {
	pipe := q.client.Pipeline()
	pipe.HDel(ctx, q.processingKey, jobID, jobID+":timestamp")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Retry 재시도 (우선순위를 낮춰 다시 큐에 추가). 한도를 넘으면 DLQ로 보낸다.
func (q *DispatchQueue) Retry(ctx context.Context, job *DispatchJob) error {
	job.Retries++
	job.UpdatedAt = time.Now()

	if job.Retries >= job.MaxRetries {
		return q.MoveToDLQ(ctx, job, "max retries exceeded")
	}

	if err := q.Complete(ctx, job.ID); err != nil {
		return err
	}

	job.Priority -= 10
	return q.Enqueue(ctx, job)
}

// MoveToDLQ Dead Letter Queue로 이동
func (q *DispatchQueue) MoveToDLQ(ctx context.Context, job *DispatchJob, reason string) error {
	data, err := json.Marshal(map[string]interface{}{
		"job":         job,
		"reason":      reason,
		"moved_at":    time.Now(),
		"final_retry": job.Retries,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	if err := q.client.LPush(ctx, q.dlqKey, data).Err(); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}
	return q.Complete(ctx, job.ID)
}

// QueueStats 큐 통계
type QueueStats struct {
	QueueSize       int64 `json:"queue_size"`
	ProcessingCount int64 `json:"processing_count"`
	DLQSize         int64 `json:"dlq_size"`
}

// Stats 큐 통계 조회
func (q *DispatchQueue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	size := pipe.ZCard(ctx, q.queueKey)
	processing := pipe.HLen(ctx, q.processingKey)
	dlq := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	return &QueueStats{
		QueueSize: size.Val(),
		// timestamp 키 제외 (실제 작업 수의 2배)
		ProcessingCount: processing.Val() / 2,
		DLQSize:         dlq.Val(),
	}, nil
}

// GameChannel 세션 이벤트를 게임 서비스 작업 큐로 보내는 어댑터
type GameChannel struct {
	queue      *DispatchQueue
	maxRetries int
}

// NewGameChannel GameChannel 생성
func NewGameChannel(queue *DispatchQueue, maxRetries int) *GameChannel {
	return &GameChannel{queue: queue, maxRetries: maxRetries}
}

// InstantiateMatch 게임 인스턴스 생성 요청
func (g *GameChannel) InstantiateMatch(ctx context.Context, ev models.SessionFormed) error {
	return g.queue.Enqueue(ctx, &DispatchJob{
		ID:         ev.SessionID + ":" + string(JobInstantiate),
		Kind:       JobInstantiate,
		SessionID:  ev.SessionID,
		Formed:     &ev,
		Priority:   100,
		MaxRetries: g.maxRetries,
	})
}

// TeardownMatch 게임 인스턴스 정리 요청 (생성보다 먼저 처리)
func (g *GameChannel) TeardownMatch(ctx context.Context, ev models.SessionClosedEvent) error {
	return g.queue.Enqueue(ctx, &DispatchJob{
		ID:         ev.SessionID + ":" + string(JobTeardown),
		Kind:       JobTeardown,
		SessionID:  ev.SessionID,
		Closed:     &ev,
		Priority:   200,
		MaxRetries: g.maxRetries,
	})
}
