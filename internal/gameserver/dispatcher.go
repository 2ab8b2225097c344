package gameserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rephlax/clutchcrew/pkg/distributed"
	"go.uber.org/zap"
)

var ErrMalformedJob = errors.New("malformed dispatch job")

// JobQueue 게임 서비스 작업 큐의 소비자 쪽
type JobQueue interface {
	Dequeue(ctx context.Context) (*distributed.DispatchJob, error)
	Complete(ctx context.Context, jobID string) error
	Retry(ctx context.Context, job *distributed.DispatchJob) error
	MoveToDLQ(ctx context.Context, job *distributed.DispatchJob, reason string) error
}

// Dispatcher 작업 큐를 소비해 게임 서버 Job을 만들고 지운다
type Dispatcher struct {
	queue    JobQueue
	launcher *Launcher
	poll     time.Duration
	logger   *zap.Logger
}

// NewDispatcher Dispatcher 생성
func NewDispatcher(queue JobQueue, launcher *Launcher, poll time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		launcher: launcher,
		poll:     poll,
		logger:   logger,
	}
}

// Run ctx가 취소될 때까지 큐를 비우고 poll 간격으로 다시 확인한다
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.logger.Info("Game server dispatcher started", zap.Duration("poll", d.poll))

	for {
		for {
			processed, err := d.ProcessNext(ctx)
			if err != nil {
				d.logger.Error("Failed to dispatch game server job", zap.Error(err))
			}
			// 실패한 작업은 다음 poll에서 다시 시도
			if err != nil || !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			d.logger.Info("Game server dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessNext 작업 하나 처리. 큐가 비어 있으면 false.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	job, err := d.queue.Dequeue(ctx)
	if errors.Is(err, distributed.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := d.handle(ctx, job); err != nil {
		if errors.Is(err, ErrMalformedJob) {
			if dlqErr := d.queue.MoveToDLQ(ctx, job, err.Error()); dlqErr != nil {
				return true, errors.Join(err, dlqErr)
			}
			return true, err
		}
		if retryErr := d.queue.Retry(ctx, job); retryErr != nil {
			return true, errors.Join(err, retryErr)
		}
		return true, fmt.Errorf("job %s (attempt %d): %w", job.ID, job.Retries, err)
	}

	return true, d.queue.Complete(ctx, job.ID)
}

func (d *Dispatcher) handle(ctx context.Context, job *distributed.DispatchJob) error {
	switch job.Kind {
	case distributed.JobInstantiate:
		if job.Formed == nil {
			return fmt.Errorf("%w: %s has no session", ErrMalformedJob, job.ID)
		}
		return d.launcher.Launch(ctx, *job.Formed)

	case distributed.JobTeardown:
		if job.SessionID == "" {
			return fmt.Errorf("%w: %s has no session id", ErrMalformedJob, job.ID)
		}
		return d.launcher.Teardown(ctx, job.SessionID)

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedJob, job.Kind)
	}
}
