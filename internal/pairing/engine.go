// Package pairing groups queued match requests into proposed sessions.
//
// The engine is a pure function of a queue snapshot and its configuration.
// It holds no mutable state and may run on several snapshots concurrently.
package pairing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rephlax/clutchcrew/internal/models"
)

var ErrInvalidConfig = errors.New("invalid pairing config")

// Config 페어링 규칙
type Config struct {
	// 세션당 파티 슬롯 수
	TargetSessionSize int
	// 대기 보정 없이 허용되는 최대 스킬 차이
	MaxSkillSpread int
	// 대기 1초당 늘어나는 허용 스킬 차이
	SpreadPerWaitSecond float64
	// 보정 후 허용 스킬 차이 상한 (0이면 상한 없음)
	MaxRelaxedSpread int
	// 이 시간 이상 기다린 요청은 스킬 차이와 무관하게 우선 매칭 (0이면 비활성)
	WaitCeiling time.Duration
}

// Validate 설정 검증
func (c Config) Validate() error {
	if c.TargetSessionSize < 2 {
		return fmt.Errorf("%w: target session size must be at least 2", ErrInvalidConfig)
	}
	if c.MaxSkillSpread < 0 || c.SpreadPerWaitSecond < 0 || c.MaxRelaxedSpread < 0 || c.WaitCeiling < 0 {
		return fmt.Errorf("%w: spread and wait settings must not be negative", ErrInvalidConfig)
	}
	if c.MaxRelaxedSpread > 0 && c.MaxRelaxedSpread < c.MaxSkillSpread {
		return fmt.Errorf("%w: max relaxed spread is below max skill spread", ErrInvalidConfig)
	}
	return nil
}

// AllowedSpread 창 안의 최대 대기 크레딧으로 보정한 허용 스킬 차이
func (c Config) AllowedSpread(maxWait time.Duration) int {
	allowed := float64(c.MaxSkillSpread) + c.SpreadPerWaitSecond*maxWait.Seconds()
	if c.MaxRelaxedSpread > 0 && allowed > float64(c.MaxRelaxedSpread) {
		allowed = float64(c.MaxRelaxedSpread)
	}
	return int(math.Floor(allowed))
}

// Overdue 대기 상한을 넘긴 요청인지
func (c Config) Overdue(req models.MatchRequest) bool {
	return c.WaitCeiling > 0 && req.WaitCredit >= c.WaitCeiling
}

// Proposal 엔진이 제안한 세션 (아직 등록되지 않음)
type Proposal struct {
	GameMode     string
	Requests     []models.MatchRequest
	AverageSkill float64
	Spread       int
	// 대기 상한 초과 요청 때문에 스킬 제한 없이 묶였는지
	Priority bool
}

// Members 세션 멤버 플레이어 ID
func (p Proposal) Members() []string {
	ids := make([]string, len(p.Requests))
	for i, r := range p.Requests {
		ids[i] = r.PlayerID
	}
	return ids
}

// Result 한 번의 페어링 결과
type Result struct {
	Proposals []Proposal
	Unmatched []models.MatchRequest
}

// Matched 제안된 세션에 포함된 요청 수
func (r Result) Matched() int {
	n := 0
	for _, p := range r.Proposals {
		n += len(p.Requests)
	}
	return n
}

// Engine 페어링 엔진
type Engine struct {
	cfg Config
}

// NewEngine Engine 생성
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config 엔진 설정
func (e *Engine) Config() Config {
	return e.cfg
}

// Pair 스냅샷 하나에 대해 페어링 수행
func (e *Engine) Pair(snapshot models.QueueSnapshot) Result {
	groups := make(map[string][]models.MatchRequest)
	var modes []string
	for _, r := range snapshot.Requests {
		if _, ok := groups[r.GameMode]; !ok {
			modes = append(modes, r.GameMode)
		}
		groups[r.GameMode] = append(groups[r.GameMode], r)
	}
	sort.Strings(modes)

	var result Result
	for _, mode := range modes {
		proposals, unmatched := e.pairGroup(mode, groups[mode])
		result.Proposals = append(result.Proposals, proposals...)
		result.Unmatched = append(result.Unmatched, unmatched...)
	}
	return result
}

// pairGroup 같은 게임 모드 요청들에 대해 가장 좋은 창을 반복 선택
func (e *Engine) pairGroup(mode string, reqs []models.MatchRequest) ([]Proposal, []models.MatchRequest) {
	if totalSlots(reqs) < e.cfg.TargetSessionSize {
		return nil, reqs
	}

	sorted := append([]models.MatchRequest(nil), reqs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SkillRating != sorted[j].SkillRating {
			return sorted[i].SkillRating < sorted[j].SkillRating
		}
		return sorted[i].PlayerID < sorted[j].PlayerID
	})

	sw := newSweep(e, sorted)
	var proposals []Proposal
	for {
		best, ok := sw.next()
		if !ok {
			break
		}
		sw.consume(best)
		proposals = append(proposals, best.proposal(mode, sorted))
	}

	unmatched := make([]models.MatchRequest, 0, len(sorted))
	for i, r := range sorted {
		if !sw.used[i] {
			unmatched = append(unmatched, r)
		}
	}
	return proposals, unmatched
}

func (e *Engine) acceptable(w window) bool {
	if w.priority {
		return true
	}
	return w.spread <= e.cfg.AllowedSpread(w.maxWait)
}

type window struct {
	anchor   int
	indices  []int
	spread   int
	maxWait  time.Duration
	variance float64
	priority bool
}

// better 우선 매칭 > 작은 스킬 차이 > 작은 대기 분산 > 낮은 anchor
func (w window) better(o window) bool {
	if w.priority != o.priority {
		return w.priority
	}
	if w.spread != o.spread {
		return w.spread < o.spread
	}
	if w.variance != o.variance {
		return w.variance < o.variance
	}
	return w.anchor < o.anchor
}

func (w window) proposal(mode string, sorted []models.MatchRequest) Proposal {
	p := Proposal{
		GameMode: mode,
		Requests: make([]models.MatchRequest, 0, len(w.indices)),
		Spread:   w.spread,
		Priority: w.priority,
	}
	var skillSum, slots int
	for _, idx := range w.indices {
		r := sorted[idx]
		p.Requests = append(p.Requests, r)
		skillSum += r.SkillRating * r.PartySize
		slots += r.PartySize
	}
	p.AverageSkill = float64(skillSum) / float64(slots)
	return p
}

func waitVariance(sorted []models.MatchRequest, indices []int) float64 {
	if len(indices) == 0 {
		return 0
	}
	var sum float64
	for _, idx := range indices {
		sum += sorted[idx].WaitCredit.Seconds()
	}
	mean := sum / float64(len(indices))

	var v float64
	for _, idx := range indices {
		d := sorted[idx].WaitCredit.Seconds() - mean
		v += d * d
	}
	return v / float64(len(indices))
}

func totalSlots(reqs []models.MatchRequest) int {
	n := 0
	for _, r := range reqs {
		n += r.PartySize
	}
	return n
}
