package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rephlax/clutchcrew/internal/models"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrNotSessionMember       = errors.New("player is not a member of the session")
	ErrInvalidTransition      = errors.New("invalid session state transition")
	ErrPlayerAlreadyInSession = errors.New("player already in an open session")
	ErrDuplicateSession       = errors.New("duplicate session id")
	ErrAckTimeout             = errors.New("session acknowledgement timed out")
)

type entry struct {
	session models.Session
	timer   *time.Timer
}

// Registry 세션 생명주기 관리 (sessionID -> Session, playerID -> sessionID)
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*entry
	byPlayer   map[string]string
	ackTimeout time.Duration
	retention  time.Duration
	onTimeout  func(models.Session)
	now        func() time.Time
}

// Option Registry 옵션
type Option func(*Registry)

// WithClock 시간 함수 주입 (테스트용)
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRetention 닫힌 세션 보관 기간
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		r.retention = d
	}
}

// New Registry 생성. ackTimeout이 0이면 확인 타이머를 걸지 않는다.
func New(ackTimeout time.Duration, opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]*entry),
		byPlayer:   make(map[string]string),
		ackTimeout: ackTimeout,
		retention:  10 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnTimeout 확인 타임아웃으로 세션이 닫힐 때 호출될 함수 등록.
// 레지스트리 락 밖에서 호출된다.
func (r *Registry) OnTimeout(fn func(models.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTimeout = fn
}

// Commit 세션들을 한꺼번에 등록. 하나라도 실패하면 아무것도 등록하지 않는다.
func (r *Registry) Commit(sessions ...models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[string]bool, len(sessions))
	players := make(map[string]bool)
	for _, s := range sessions {
		if s.SessionID == "" {
			return fmt.Errorf("%w: empty session id", ErrDuplicateSession)
		}
		if _, exists := r.sessions[s.SessionID]; exists || ids[s.SessionID] {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, s.SessionID)
		}
		ids[s.SessionID] = true

		for _, m := range s.Members {
			if _, busy := r.byPlayer[m]; busy || players[m] {
				return fmt.Errorf("%w: %s", ErrPlayerAlreadyInSession, m)
			}
			players[m] = true
		}
	}

	now := r.now()
	for _, s := range sessions {
		e := &entry{session: s.Clone()}
		e.session.State = models.SessionForming
		if e.session.FormedAt.IsZero() {
			e.session.FormedAt = now
		}
		e.session.Acks = make(map[string]bool, len(s.Members))
		for _, m := range s.Members {
			e.session.Acks[m] = false
			r.byPlayer[m] = s.SessionID
		}

		e.session.State = models.SessionReady
		e.session.ReadyAt = &now
		if r.ackTimeout > 0 {
			sessionID := s.SessionID
			e.timer = time.AfterFunc(r.ackTimeout, func() {
				r.expire(sessionID)
			})
		}
		r.sessions[s.SessionID] = e
	}
	return nil
}

// Acknowledge 멤버 준비 완료 처리. 모든 멤버가 확인하면 active로 전환된다.
func (r *Registry) Acknowledge(sessionID, playerID string) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if !e.session.HasMember(playerID) {
		return models.Session{}, ErrNotSessionMember
	}

	switch e.session.State {
	case models.SessionActive:
		return e.session.Clone(), nil
	case models.SessionReady:
	default:
		return models.Session{}, fmt.Errorf("%w: acknowledge in state %s", ErrInvalidTransition, e.session.State)
	}

	e.session.Acks[playerID] = true
	if allAcked(e.session) {
		r.activate(e)
	}
	return e.session.Clone(), nil
}

// MarkActive 게임 인스턴스 시작
func (r *Registry) MarkActive(sessionID string) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	switch e.session.State {
	case models.SessionActive:
	case models.SessionReady:
		r.activate(e)
	default:
		return models.Session{}, fmt.Errorf("%w: activate in state %s", ErrInvalidTransition, e.session.State)
	}
	return e.session.Clone(), nil
}

// Close 세션 종료
func (r *Registry) Close(sessionID string, reason models.CloseReason) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if !e.session.IsOpen() {
		return models.Session{}, fmt.Errorf("%w: session already closed", ErrInvalidTransition)
	}
	r.close(e, reason)
	return e.session.Clone(), nil
}

// Get 세션 조회
func (r *Registry) Get(sessionID string) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

// ForPlayer 플레이어의 열린 세션 조회
func (r *Registry) ForPlayer(playerID string) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPlayer[playerID]
	if !ok {
		return models.Session{}, false
	}
	return r.sessions[id].session.Clone(), true
}

// OpenCount 닫히지 않은 세션 수
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.sessions {
		if e.session.IsOpen() {
			n++
		}
	}
	return n
}

// Prune 보관 기간이 지난 닫힌 세션 삭제
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.retention)
	pruned := 0
	for id, e := range r.sessions {
		if e.session.ClosedAt != nil && e.session.ClosedAt.Before(cutoff) {
			delete(r.sessions, id)
			pruned++
		}
	}
	return pruned
}

// expire 확인 타이머 만료
func (r *Registry) expire(sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok || e.session.State != models.SessionReady {
		r.mu.Unlock()
		return
	}
	r.close(e, models.CloseTimeout)
	closed := e.session.Clone()
	hook := r.onTimeout
	r.mu.Unlock()

	if hook != nil {
		hook(closed)
	}
}

// activate 호출 전 r.mu를 잡고 있어야 한다
func (r *Registry) activate(e *entry) {
	now := r.now()
	e.session.State = models.SessionActive
	e.session.ActiveAt = &now
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// close 호출 전 r.mu를 잡고 있어야 한다
func (r *Registry) close(e *entry, reason models.CloseReason) {
	now := r.now()
	e.session.State = models.SessionClosed
	e.session.ClosedAt = &now
	e.session.CloseReason = &reason
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	for _, m := range e.session.Members {
		if r.byPlayer[m] == e.session.SessionID {
			delete(r.byPlayer, m)
		}
	}
}

func allAcked(s models.Session) bool {
	for _, m := range s.Members {
		if !s.Acks[m] {
			return false
		}
	}
	return true
}
