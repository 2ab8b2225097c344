package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rephlax/clutchcrew/internal/models"
	"go.uber.org/zap"
)

// History 세션/요청 기록 (fire-and-forget)
type History interface {
	Session(s models.Session)
	Request(a models.RequestAudit)
}

// NopHistory 저장소가 없을 때 사용
type NopHistory struct{}

func (NopHistory) Session(models.Session)      {}
func (NopHistory) Request(models.RequestAudit) {}

// HistoryStore 외부 저장 서비스
type HistoryStore interface {
	SaveSession(ctx context.Context, s models.Session) error
	RecordRequest(ctx context.Context, a models.RequestAudit) error
}

type historyEntry struct {
	session *models.Session
	audit   *models.RequestAudit
}

// HistoryRecorder 버퍼 채널과 워커 하나로 기록을 비동기 저장한다.
// 버퍼가 가득 차면 기록을 버리고 경고만 남긴다.
type HistoryRecorder struct {
	store        HistoryStore
	entries      chan historyEntry
	writeTimeout time.Duration
	dropped      atomic.Int64
	failed       atomic.Int64
	logger       *zap.Logger
}

// NewHistoryRecorder HistoryRecorder 생성
func NewHistoryRecorder(store HistoryStore, buffer int, logger *zap.Logger) *HistoryRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryRecorder{
		store:        store,
		entries:      make(chan historyEntry, buffer),
		writeTimeout: 5 * time.Second,
		logger:       logger,
	}
}

// Session 세션 상태 기록 요청
func (r *HistoryRecorder) Session(s models.Session) {
	c := s.Clone()
	r.push(historyEntry{session: &c})
}

// Request 요청 감사 로그 기록 요청
func (r *HistoryRecorder) Request(a models.RequestAudit) {
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now()
	}
	r.push(historyEntry{audit: &a})
}

func (r *HistoryRecorder) push(e historyEntry) {
	select {
	case r.entries <- e:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("History buffer full, dropping entries", zap.Int64("dropped", r.dropped.Load()))
		}
	}
}

// Run ctx가 취소될 때까지 기록을 저장한다. 종료 시 남은 기록을 비운다.
func (r *HistoryRecorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.entries:
			r.write(e)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *HistoryRecorder) drain() {
	for {
		select {
		case e := <-r.entries:
			r.write(e)
		default:
			return
		}
	}
}

func (r *HistoryRecorder) write(e historyEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	var err error
	switch {
	case e.session != nil:
		err = r.store.SaveSession(ctx, *e.session)
	case e.audit != nil:
		err = r.store.RecordRequest(ctx, *e.audit)
	}
	if err != nil {
		r.failed.Add(1)
		r.logger.Error("Failed to write matchmaking history", zap.Error(err))
	}
}

// Dropped 버퍼 초과로 버려진 기록 수
func (r *HistoryRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Failed 저장 실패한 기록 수
func (r *HistoryRecorder) Failed() int64 {
	return r.failed.Load()
}
