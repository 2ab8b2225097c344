package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rephlax/clutchcrew/internal/models"
)

var (
	ErrInvalidRequest = errors.New("invalid match request")
	ErrNotQueued      = errors.New("player not queued")
)

// Limits 요청 검증 기준
type Limits struct {
	MinSkill     int
	MaxSkill     int
	MaxPartySize int
	// 비어 있으면 모든 모드 허용
	GameModes []string
}

// Store 플레이어별 대기 요청 저장소
type Store struct {
	mu       sync.Mutex
	requests map[string]*models.MatchRequest
	version  uint64
	limits   Limits
	modes    map[string]bool
	changes  chan struct{}
	now      func() time.Time
}

// Option Store 옵션
type Option func(*Store)

// WithClock 시간 함수 주입 (테스트용)
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore Store 생성
func NewStore(limits Limits, opts ...Option) *Store {
	s := &Store{
		requests: make(map[string]*models.MatchRequest),
		limits:   limits,
		changes:  make(chan struct{}, 1),
		now:      time.Now,
	}
	if len(limits.GameModes) > 0 {
		s.modes = make(map[string]bool, len(limits.GameModes))
		for _, m := range limits.GameModes {
			s.modes[m] = true
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate 요청 검증
func (s *Store) Validate(req models.MatchRequest) error {
	switch {
	case req.PlayerID == "":
		return fmt.Errorf("%w: player id is required", ErrInvalidRequest)
	case req.GameMode == "":
		return fmt.Errorf("%w: game mode is required", ErrInvalidRequest)
	case s.modes != nil && !s.modes[req.GameMode]:
		return fmt.Errorf("%w: unknown game mode %q", ErrInvalidRequest, req.GameMode)
	case req.PartySize <= 0:
		return fmt.Errorf("%w: party size must be positive", ErrInvalidRequest)
	case s.limits.MaxPartySize > 0 && req.PartySize > s.limits.MaxPartySize:
		return fmt.Errorf("%w: party size %d exceeds session size %d", ErrInvalidRequest, req.PartySize, s.limits.MaxPartySize)
	case req.SkillRating < s.limits.MinSkill || req.SkillRating > s.limits.MaxSkill:
		return fmt.Errorf("%w: skill rating %d outside [%d, %d]", ErrInvalidRequest, req.SkillRating, s.limits.MinSkill, s.limits.MaxSkill)
	}
	return nil
}

// Enqueue 요청 추가. 같은 플레이어의 기존 요청은 교체되고 반환된다.
func (s *Store) Enqueue(req models.MatchRequest) (*models.MatchRequest, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	req.RequestID = uuid.NewString()
	req.QueuedAt = now
	req.CreditedAt = now
	req.RestoredAt = time.Time{}
	req.WaitCredit = 0

	prior := s.requests[req.PlayerID]
	s.requests[req.PlayerID] = &req
	s.bump()

	if prior != nil {
		p := *prior
		return &p, nil
	}
	return nil, nil
}

// Withdraw 요청 제거
func (s *Store) Withdraw(playerID string) (models.MatchRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[playerID]
	if !ok {
		return models.MatchRequest{}, ErrNotQueued
	}
	delete(s.requests, playerID)
	s.bump()
	return *req, nil
}

// Get 현재 요청 조회
func (s *Store) Get(playerID string) (models.MatchRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[playerID]
	if !ok {
		return models.MatchRequest{}, ErrNotQueued
	}
	return *req, nil
}

// Snapshot 현재 큐의 복사본. 락은 복사하는 동안만 잡는다.
func (s *Store) Snapshot() models.QueueSnapshot {
	s.mu.Lock()
	now := s.now()
	version := s.version
	reqs := make([]models.MatchRequest, 0, len(s.requests))
	for _, r := range s.requests {
		reqs = append(reqs, *r)
	}
	s.mu.Unlock()

	for i := range reqs {
		reqs[i].WaitCredit = reqs[i].EffectiveWaitCredit(now)
		reqs[i].CreditedAt = now
	}
	sortByQueuedAt(reqs)

	return models.QueueSnapshot{
		Version:  version,
		TakenAt:  now,
		Requests: reqs,
	}
}

// Requeue 매칭되지 않은 요청의 대기 크레딧을 갱신한다.
// 스냅샷 이후 취소되었거나 교체된 요청은 되살리지 않는다.
func (s *Store) Requeue(reqs []models.MatchRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	updated := 0
	for _, r := range reqs {
		live, ok := s.requests[r.PlayerID]
		if !ok || live.RequestID != r.RequestID {
			continue
		}
		live.WaitCredit = live.EffectiveWaitCredit(now)
		live.CreditedAt = now
		updated++
	}
	if updated > 0 {
		s.bump()
	}
	return updated
}

// Restore 해산된 세션의 요청을 대기 크레딧을 유지한 채 다시 넣는다.
// 그 사이 새로 등록한 플레이어는 건드리지 않는다.
func (s *Store) Restore(reqs []models.MatchRequest) []models.MatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	restored := make([]models.MatchRequest, 0, len(reqs))
	for _, r := range reqs {
		if _, ok := s.requests[r.PlayerID]; ok {
			continue
		}
		r.CreditedAt = now
		r.RestoredAt = now
		req := r
		s.requests[r.PlayerID] = &req
		restored = append(restored, req)
	}
	if len(restored) > 0 {
		s.bump()
	}
	return restored
}

// Remove 매칭된 플레이어 제거
func (s *Store) Remove(playerIDs ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range playerIDs {
		if _, ok := s.requests[id]; ok {
			delete(s.requests, id)
			removed++
		}
	}
	if removed > 0 {
		s.bump()
	}
	return removed
}

// ExpireOlderThan ttl보다 오래 대기한 요청 만료.
// 세션에서 돌아온 요청은 복귀 시각부터 다시 잰다.
func (s *Store) ExpireOlderThan(ttl time.Duration) []models.MatchRequest {
	if ttl <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	var expired []models.MatchRequest
	for id, r := range s.requests {
		if r.ExpiryBase().Before(cutoff) {
			expired = append(expired, *r)
			delete(s.requests, id)
		}
	}
	if len(expired) > 0 {
		s.bump()
	}
	return expired
}

// Position 같은 게임 모드 내 1부터 시작하는 대기 순번
func (s *Store) Position(playerID string) (models.QueueStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[playerID]
	if !ok {
		return models.QueueStatus{}, ErrNotQueued
	}

	var same []models.MatchRequest
	for _, r := range s.requests {
		if r.GameMode == req.GameMode {
			same = append(same, *r)
		}
	}
	sortByQueuedAt(same)

	status := models.QueueStatus{
		PlayerID:   playerID,
		GameMode:   req.GameMode,
		Total:      len(same),
		WaitCredit: req.EffectiveWaitCredit(s.now()),
	}
	for i, r := range same {
		if r.PlayerID == playerID {
			status.Position = i + 1
			break
		}
	}
	return status, nil
}

// Positions 모드별 전체 대기 순번
func (s *Store) Positions() []models.QueueStatus {
	snap := s.Snapshot()

	counts := make(map[string]int)
	for _, r := range snap.Requests {
		counts[r.GameMode]++
	}

	seen := make(map[string]int)
	out := make([]models.QueueStatus, 0, len(snap.Requests))
	for _, r := range snap.Requests {
		seen[r.GameMode]++
		out = append(out, models.QueueStatus{
			PlayerID:   r.PlayerID,
			GameMode:   r.GameMode,
			Position:   seen[r.GameMode],
			Total:      counts[r.GameMode],
			WaitCredit: r.WaitCredit,
		})
	}
	return out
}

// Len 대기 요청 수
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Version 큐 변경 버전
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Changes 큐가 변경될 때마다 신호를 받는 채널 (여러 변경은 하나로 합쳐진다)
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// bump 호출 전 s.mu를 잡고 있어야 한다
func (s *Store) bump() {
	s.version++
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func sortByQueuedAt(reqs []models.MatchRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].QueuedAt.Equal(reqs[j].QueuedAt) {
			return reqs[i].QueuedAt.Before(reqs[j].QueuedAt)
		}
		return reqs[i].PlayerID < reqs[j].PlayerID
	})
}
