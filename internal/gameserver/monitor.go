package gameserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/rephlax/clutchcrew/pkg/distributed"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	watch_api "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

var errWatchClosed = errors.New("watch channel closed")

// Monitor 게임 서버 Job을 Watch해서 시작/종료를 게임 이벤트로 보낸다
type Monitor struct {
	client    kubernetes.Interface
	namespace string
	handler   distributed.GameEventHandler
	logger    *zap.Logger

	mu      sync.Mutex
	started map[string]bool
	ended   map[string]bool
}

// NewMonitor Monitor 생성
func NewMonitor(client kubernetes.Interface, namespace string, handler distributed.GameEventHandler, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		client:    client,
		namespace: namespace,
		handler:   handler,
		logger:    logger,
		started:   make(map[string]bool),
		ended:     make(map[string]bool),
	}
}

// Run ctx가 취소될 때까지 Watch. 끊기면 백오프 후 다시 연결한다.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := time.Minute

	for {
		err := m.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = time.Second
			continue
		}

		m.logger.Error("Game server job watch failed", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// watch 현재 Job 목록으로 상태를 맞춘 뒤 그 이후 변경을 따라간다
func (m *Monitor) watch(ctx context.Context) error {
	jobs := m.client.BatchV1().Jobs(m.namespace)

	list, err := jobs.List(ctx, metav1.ListOptions{LabelSelector: sessionSelector})
	if err != nil {
		return err
	}
	for i := range list.Items {
		m.observe(ctx, &list.Items[i])
	}

	watcher, err := jobs.Watch(ctx, metav1.ListOptions{
		LabelSelector:   sessionSelector,
		ResourceVersion: list.ResourceVersion,
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	m.logger.Info("Watching game server jobs", zap.String("labelSelector", sessionSelector))

	for {
		select {
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return errWatchClosed
			}
			m.handleWatchEvent(ctx, event)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) handleWatchEvent(ctx context.Context, event watch_api.Event) {
	job, ok := event.Object.(*batchv1.Job)
	if !ok {
		return
	}

	switch event.Type {
	case watch_api.Added, watch_api.Modified:
		m.observe(ctx, job)
	case watch_api.Deleted:
		m.forget(job.Labels[labelSession])
	}
}

// observe Job 상태가 처음 바뀐 시점에만 이벤트를 보낸다
func (m *Monitor) observe(ctx context.Context, job *batchv1.Job) {
	sessionID := job.Labels[labelSession]
	if sessionID == "" {
		return
	}

	var eventType models.GameEventType
	m.mu.Lock()
	switch {
	case job.Status.Succeeded > 0 || job.Status.Failed > 0:
		if !m.ended[sessionID] {
			m.ended[sessionID] = true
			eventType = models.GameEnded
		}
	case job.Status.Active > 0:
		if !m.started[sessionID] && !m.ended[sessionID] {
			m.started[sessionID] = true
			eventType = models.GameStarted
		}
	}
	m.mu.Unlock()

	if eventType == "" {
		return
	}
	if job.Status.Failed > 0 {
		m.logger.Warn("Game server job failed", zap.String("sessionId", sessionID), zap.String("jobName", job.Name))
	}

	ev := models.GameEvent{Type: eventType, SessionID: sessionID, Timestamp: time.Now()}
	if err := m.handler(ctx, ev); err != nil {
		// 이미 닫힌 세션 등. 같은 상태로 다시 보내지는 않는다.
		m.logger.Warn("Game event rejected",
			zap.String("type", string(eventType)),
			zap.String("sessionId", sessionID),
			zap.Error(err))
	}
}

func (m *Monitor) forget(sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	delete(m.started, sessionID)
	delete(m.ended, sessionID)
	m.mu.Unlock()
}
