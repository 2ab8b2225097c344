package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/rephlax/clutchcrew/internal/pairing"
	"go.uber.org/zap"
)

// QueueStore 대기 요청 저장소
type QueueStore interface {
	Enqueue(req models.MatchRequest) (*models.MatchRequest, error)
	Withdraw(playerID string) (models.MatchRequest, error)
	Get(playerID string) (models.MatchRequest, error)
	Snapshot() models.QueueSnapshot
	Requeue(reqs []models.MatchRequest) int
	Restore(reqs []models.MatchRequest) []models.MatchRequest
	Remove(playerIDs ...string) int
	ExpireOlderThan(ttl time.Duration) []models.MatchRequest
	Position(playerID string) (models.QueueStatus, error)
	Positions() []models.QueueStatus
	Len() int
	Version() uint64
	Changes() <-chan struct{}
}

// SessionRegistry 세션 저장소
type SessionRegistry interface {
	Commit(sessions ...models.Session) error
	Acknowledge(sessionID, playerID string) (models.Session, error)
	MarkActive(sessionID string) (models.Session, error)
	Close(sessionID string, reason models.CloseReason) (models.Session, error)
	Get(sessionID string) (models.Session, error)
	ForPlayer(playerID string) (models.Session, bool)
	OpenCount() int
	Prune() int
	OnTimeout(fn func(models.Session))
}

// Pairer 페어링 엔진
type Pairer interface {
	Pair(snapshot models.QueueSnapshot) pairing.Result
}

// Notifier 알림 게이트웨이
type Notifier interface {
	SessionFormed(ctx context.Context, s models.Session) error
	SessionClosed(ctx context.Context, s models.Session) error
	QueuePositionChanged(ctx context.Context, ev models.QueuePositionChanged) error
}

// SchedulerConfig 매칭 루프 설정
type SchedulerConfig struct {
	// 주기적 매칭 간격
	Interval time.Duration
	// 이만큼 큐 버전이 올라가면 주기를 기다리지 않고 바로 매칭
	TriggerVersions uint64
	// 대기 요청 만료 시간 (0이면 만료 없음)
	QueueTTL time.Duration
	// 예상 대기 시간 계산용 세션 크기
	TargetSessionSize int
	// 알림 전송 제한 시간
	NotifyTimeout time.Duration
}

// PassResult 한 번의 매칭 패스 결과
type PassResult struct {
	Version   uint64
	Queued    int
	Sessions  []models.Session
	Unmatched int
	Expired   int
	Aborted   bool
	Err       error
}

// JoinResult joinQueue 결과
type JoinResult struct {
	Request  models.MatchRequest
	Replaced bool
}

// Stats 매칭 현황
type Stats struct {
	Queued       int       `json:"queued"`
	OpenSessions int       `json:"openSessions"`
	Version      uint64    `json:"version"`
	Passes       int64     `json:"passes"`
	Aborted      int64     `json:"abortedPasses"`
	LastPassAt   time.Time `json:"lastPassAt"`
}

type MatchmakingService struct {
	queue    QueueStore
	registry SessionRegistry
	engine   Pairer
	notifier Notifier
	history  History
	logger   *zap.Logger
	cfg      SchedulerConfig
	newID    func() string
	now      func() time.Time

	// 큐와 레지스트리를 함께 바꾸는 커밋 구간
	commitMu    sync.Mutex
	lastVersion atomic.Uint64
	passes      atomic.Int64
	aborted     atomic.Int64
	lastPassAt  atomic.Int64

	statsMu   sync.Mutex
	avgWait   map[string]time.Duration
	positions map[string]int

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// Option MatchmakingService 옵션
type Option func(*MatchmakingService)

// WithIDGenerator 세션 ID 생성 함수 교체
func WithIDGenerator(fn func() string) Option {
	return func(s *MatchmakingService) {
		s.newID = fn
	}
}

// WithHistory 기록 저장 연결
func WithHistory(h History) Option {
	return func(s *MatchmakingService) {
		s.history = h
	}
}

// WithLogger 로거 교체
func WithLogger(logger *zap.Logger) Option {
	return func(s *MatchmakingService) {
		s.logger = logger
	}
}

func NewMatchmakingService(
	queue QueueStore,
	registry SessionRegistry,
	engine Pairer,
	notifier Notifier,
	cfg SchedulerConfig,
	opts ...Option,
) *MatchmakingService {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.TriggerVersions == 0 {
		cfg.TriggerVersions = 8
	}
	if cfg.TargetSessionSize <= 0 {
		cfg.TargetSessionSize = 2
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 2 * time.Second
	}

	s := &MatchmakingService{
		queue:     queue,
		registry:  registry,
		engine:    engine,
		notifier:  notifier,
		history:   NopHistory{},
		logger:    zap.NewNop(),
		cfg:       cfg,
		newID:     uuid.NewString,
		now:       time.Now,
		avgWait:   make(map[string]time.Duration),
		positions: make(map[string]int),
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	registry.OnTimeout(s.handleAckTimeout)
	return s
}

// Start 매칭 루프 시작
func (s *MatchmakingService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting MatchmakingService",
		zap.Duration("interval", s.cfg.Interval),
		zap.Uint64("triggerVersions", s.cfg.TriggerVersions))

	s.wg.Add(1)
	go s.matchmakingLoop(ctx)
}

// Stop 매칭 루프 중지
func (s *MatchmakingService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping MatchmakingService")
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("MatchmakingService stopped")
}

// matchmakingLoop 주기 또는 큐 변경 횟수에 따라 매칭 실행
func (s *MatchmakingService) matchmakingLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunPass(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunPass(ctx)
		case <-s.queue.Changes():
			if s.queue.Version()-s.lastVersion.Load() >= s.cfg.TriggerVersions {
				s.RunPass(ctx)
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunPass 매칭 패스 한 번 실행
func (s *MatchmakingService) RunPass(ctx context.Context) PassResult {
	// 완료된 패스만 센다
	defer s.passes.Add(1)
	s.lastPassAt.Store(s.now().UnixNano())

	var result PassResult

	// 1. 만료된 요청 정리
	if s.cfg.QueueTTL > 0 {
		expired := s.queue.ExpireOlderThan(s.cfg.QueueTTL)
		result.Expired = len(expired)
		for _, r := range expired {
			s.audit(r, models.AuditExpired, nil)
		}
		if len(expired) > 0 {
			s.logger.Info("Expired queued requests", zap.Int("count", len(expired)))
		}
	}
	s.registry.Prune()

	// 2. 스냅샷 (락은 복사하는 동안만)
	snap := s.queue.Snapshot()
	result.Version = snap.Version
	result.Queued = snap.Len()
	if snap.Len() == 0 {
		// 스냅샷 이후 들어온 변경은 다음 트리거에서 센다
		s.lastVersion.Store(snap.Version)
		return result
	}

	candidates := s.withoutSeatedPlayers(snap)

	// 3. 락 없이 페어링
	paired := s.engine.Pair(candidates)
	sessions := s.buildSessions(paired)

	// 4. 커밋 (전부 아니면 전무)
	s.commitMu.Lock()
	if len(sessions) > 0 {
		if err := s.registry.Commit(sessions...); err != nil {
			s.queue.Requeue(snap.Requests)
			s.lastVersion.Store(s.queue.Version())
			s.commitMu.Unlock()

			s.aborted.Add(1)
			s.logger.Error("Pairing pass aborted, internal consistency fault",
				zap.Uint64("version", snap.Version),
				zap.Int("proposals", len(sessions)),
				zap.Error(err))

			result.Aborted = true
			result.Err = err
			result.Unmatched = snap.Len()
			return result
		}
		for _, sess := range sessions {
			s.queue.Remove(sess.Members...)
		}
	}
	s.queue.Requeue(paired.Unmatched)
	s.lastVersion.Store(s.queue.Version())
	s.commitMu.Unlock()

	result.Sessions = sessions
	result.Unmatched = len(paired.Unmatched)

	// 5. 커밋 이후 알림과 기록
	for _, sess := range sessions {
		s.recordWait(sess)
		for i := range sess.Requests {
			s.audit(sess.Requests[i], models.AuditMatched, &sess.SessionID)
		}
		if committed, err := s.registry.Get(sess.SessionID); err == nil {
			sess = committed
		}
		s.history.Session(sess)

		nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
		_ = s.notifier.SessionFormed(nctx, sess)
		cancel()

		s.logger.Info("Session formed",
			zap.String("sessionId", sess.SessionID),
			zap.String("gameMode", sess.GameMode),
			zap.Strings("members", sess.Members),
			zap.Int("spread", sess.Spread))
	}
	s.publishPositions(ctx)

	if len(sessions) > 0 {
		s.logger.Debug("Pairing pass completed",
			zap.Int("queued", result.Queued),
			zap.Int("sessions", len(sessions)),
			zap.Int("unmatched", result.Unmatched))
	}
	return result
}

// withoutSeatedPlayers 이미 열린 세션이 있는 플레이어는 페어링에서 제외
func (s *MatchmakingService) withoutSeatedPlayers(snap models.QueueSnapshot) models.QueueSnapshot {
	filtered := models.QueueSnapshot{
		Version:  snap.Version,
		TakenAt:  snap.TakenAt,
		Requests: make([]models.MatchRequest, 0, len(snap.Requests)),
	}
	for _, r := range snap.Requests {
		if seated, ok := s.registry.ForPlayer(r.PlayerID); ok {
			s.logger.Warn("Queued player already has an open session, skipping",
				zap.String("playerId", r.PlayerID),
				zap.String("sessionId", seated.SessionID))
			continue
		}
		filtered.Requests = append(filtered.Requests, r)
	}
	return filtered
}

func (s *MatchmakingService) buildSessions(paired pairing.Result) []models.Session {
	if len(paired.Proposals) == 0 {
		return nil
	}
	now := s.now()
	sessions := make([]models.Session, 0, len(paired.Proposals))
	for _, p := range paired.Proposals {
		sessions = append(sessions, models.Session{
			SessionID:    s.newID(),
			Members:      p.Members(),
			GameMode:     p.GameMode,
			AverageSkill: p.AverageSkill,
			Spread:       p.Spread,
			State:        models.SessionForming,
			FormedAt:     now,
			Requests:     append([]models.MatchRequest(nil), p.Requests...),
		})
	}
	return sessions
}

// JoinQueue 매칭 큐 등록 (같은 플레이어의 기존 요청은 교체)
func (s *MatchmakingService) JoinQueue(ctx context.Context, req models.MatchRequest) (JoinResult, error) {
	if seated, ok := s.registry.ForPlayer(req.PlayerID); ok {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrAlreadyInSession, seated.SessionID)
	}

	prior, err := s.queue.Enqueue(req)
	if err != nil {
		return JoinResult{}, err
	}

	if prior != nil {
		s.audit(*prior, models.AuditReplaced, nil)
	}

	live, err := s.queue.Get(req.PlayerID)
	if err != nil {
		// 등록 직후 매칭되었거나 만료된 경우
		return JoinResult{Request: req, Replaced: prior != nil}, nil
	}
	s.audit(live, models.AuditEnqueued, nil)

	s.logger.Debug("Player joined queue",
		zap.String("playerId", live.PlayerID),
		zap.String("gameMode", live.GameMode),
		zap.Bool("replaced", prior != nil))

	return JoinResult{Request: live, Replaced: prior != nil}, nil
}

// LeaveQueue 매칭 큐 이탈
func (s *MatchmakingService) LeaveQueue(ctx context.Context, playerID string) error {
	req, err := s.queue.Withdraw(playerID)
	if err != nil {
		return err
	}
	s.audit(req, models.AuditWithdrawn, nil)
	s.forgetPosition(playerID)
	return nil
}

// QueueStatus 대기 순번과 예상 대기 시간
func (s *MatchmakingService) QueueStatus(playerID string) (models.QueueStatus, error) {
	status, err := s.queue.Position(playerID)
	if err != nil {
		return models.QueueStatus{}, err
	}
	status.EstimatedWait = s.estimateWait(status)
	return status, nil
}

// SessionFor 플레이어의 열린 세션
func (s *MatchmakingService) SessionFor(playerID string) (models.Session, bool) {
	return s.registry.ForPlayer(playerID)
}

// AcknowledgeSession 세션 준비 확인
func (s *MatchmakingService) AcknowledgeSession(ctx context.Context, sessionID, playerID string) (models.Session, error) {
	before, err := s.registry.Get(sessionID)
	if err != nil {
		return models.Session{}, err
	}

	sess, err := s.registry.Acknowledge(sessionID, playerID)
	if err != nil {
		return models.Session{}, err
	}

	if before.State != sess.State {
		s.history.Session(sess)
		s.logger.Info("Session activated, all members acknowledged",
			zap.String("sessionId", sessionID))
	}
	return sess, nil
}

// LeaveSession 준비 단계 세션 이탈. 남은 멤버는 대기 크레딧을 유지한 채 큐로 돌아간다.
func (s *MatchmakingService) LeaveSession(ctx context.Context, playerID string) (models.Session, error) {
	sess, ok := s.registry.ForPlayer(playerID)
	if !ok {
		return models.Session{}, ErrNoOpenSession
	}
	if sess.State != models.SessionReady {
		return models.Session{}, fmt.Errorf("%w: cannot leave a %s session", ErrInvalidTransition, sess.State)
	}

	closed, err := s.registry.Close(sess.SessionID, models.CloseAbandoned)
	if err != nil {
		return models.Session{}, err
	}

	remaining := make([]models.MatchRequest, 0, len(closed.Requests))
	for _, r := range closed.Requests {
		if r.PlayerID != playerID {
			remaining = append(remaining, r)
		}
	}
	s.dissolve(ctx, closed, remaining)
	return closed, nil
}

// HandleGameEvent 게임 서비스 이벤트 처리 (GameStarted -> active, GameEnded -> closed)
func (s *MatchmakingService) HandleGameEvent(ctx context.Context, ev models.GameEvent) error {
	switch ev.Type {
	case models.GameStarted:
		sess, err := s.registry.MarkActive(ev.SessionID)
		if err != nil {
			return err
		}
		s.history.Session(sess)
		return nil

	case models.GameEnded:
		sess, err := s.registry.Close(ev.SessionID, models.CloseCompleted)
		if err != nil {
			return err
		}
		s.history.Session(sess)
		s.notifyClosed(ctx, sess)
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownGameEvent, ev.Type)
	}
}

// handleAckTimeout 확인 타임아웃으로 닫힌 세션의 멤버를 큐로 되돌린다
func (s *MatchmakingService) handleAckTimeout(sess models.Session) {
	s.logger.Info("Session closed on acknowledgement timeout",
		zap.String("sessionId", sess.SessionID),
		zap.Error(ErrAckTimeout))
	s.dissolve(context.Background(), sess, sess.Requests)
}

func (s *MatchmakingService) dissolve(ctx context.Context, sess models.Session, requeue []models.MatchRequest) {
	s.commitMu.Lock()
	restored := s.queue.Restore(requeue)
	s.commitMu.Unlock()

	for _, r := range restored {
		s.audit(r, models.AuditRequeued, &sess.SessionID)
	}
	s.history.Session(sess)
	s.notifyClosed(ctx, sess)
}

func (s *MatchmakingService) notifyClosed(ctx context.Context, sess models.Session) {
	nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	_ = s.notifier.SessionClosed(nctx, sess)
}

// Stats 매칭 현황
func (s *MatchmakingService) Stats() Stats {
	st := Stats{
		Queued:       s.queue.Len(),
		OpenSessions: s.registry.OpenCount(),
		Version:      s.queue.Version(),
		Passes:       s.passes.Load(),
		Aborted:      s.aborted.Load(),
	}
	if ns := s.lastPassAt.Load(); ns > 0 {
		st.LastPassAt = time.Unix(0, ns)
	}
	return st
}

func (s *MatchmakingService) audit(r models.MatchRequest, action models.AuditAction, sessionID *string) {
	s.history.Request(models.RequestAudit{
		RequestID:  r.RequestID,
		PlayerID:   r.PlayerID,
		GameMode:   r.GameMode,
		Action:     action,
		SessionID:  sessionID,
		WaitCredit: r.WaitCredit,
		RecordedAt: s.now(),
	})
}

// recordWait 모드별 매칭 대기 시간 이동 평균
func (s *MatchmakingService) recordWait(sess models.Session) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	for _, r := range sess.Requests {
		prev, ok := s.avgWait[sess.GameMode]
		if !ok {
			s.avgWait[sess.GameMode] = r.WaitCredit
			continue
		}
		s.avgWait[sess.GameMode] = (prev*7 + r.WaitCredit) / 8
	}
	for _, m := range sess.Members {
		delete(s.positions, m)
	}
}

func (s *MatchmakingService) estimateWait(status models.QueueStatus) time.Duration {
	s.statsMu.Lock()
	avg, ok := s.avgWait[status.GameMode]
	s.statsMu.Unlock()

	if ok && avg > status.WaitCredit {
		return avg - status.WaitCredit
	}
	sessionsAhead := (status.Position + s.cfg.TargetSessionSize - 1) / s.cfg.TargetSessionSize
	if sessionsAhead < 1 {
		sessionsAhead = 1
	}
	return time.Duration(sessionsAhead) * s.cfg.Interval
}

// publishPositions 순번이 바뀐 플레이어에게만 알림
func (s *MatchmakingService) publishPositions(ctx context.Context) {
	current := s.queue.Positions()

	var changed []models.QueueStatus
	s.statsMu.Lock()
	next := make(map[string]int, len(current))
	for _, st := range current {
		next[st.PlayerID] = st.Position
		if prev, ok := s.positions[st.PlayerID]; !ok || prev != st.Position {
			changed = append(changed, st)
		}
	}
	s.positions = next
	s.statsMu.Unlock()

	for _, st := range changed {
		nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
		err := s.notifier.QueuePositionChanged(nctx, models.QueuePositionChanged{
			PlayerID:        st.PlayerID,
			GameMode:        st.GameMode,
			Position:        st.Position,
			Total:           st.Total,
			EstimatedWaitMs: s.estimateWait(st).Milliseconds(),
		})
		cancel()
		if errors.Is(err, context.Canceled) {
			return
		}
	}
}

func (s *MatchmakingService) forgetPosition(playerID string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	delete(s.positions, playerID)
}
