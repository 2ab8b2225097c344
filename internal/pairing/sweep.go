package pairing

import (
	"container/heap"

	"github.com/rephlax/clutchcrew/internal/models"
)

// sweep anchor별 창을 캐시해 두고, 선택된 창과 겹치는 anchor만 다시 계산한다.
// 창이 포함하지 않은 요청이 빠져도 그 창은 변하지 않으므로 결과는 매번
// 전체를 다시 계산하는 것과 같다.
type sweep struct {
	e      *Engine
	sorted []models.MatchRequest
	used   []bool
	// skip[i]: 사용된 i 다음으로 확인할 인덱스 (경로 압축)
	skip []int
	// covering[i]: 창에 i를 포함했던 anchor (오래된 항목이 섞일 수 있음)
	covering [][]int
	version  []int
	mark     []int
	round    int
	queue    windowHeap
}

func newSweep(e *Engine, sorted []models.MatchRequest) *sweep {
	n := len(sorted)
	s := &sweep{
		e:        e,
		sorted:   sorted,
		used:     make([]bool, n),
		skip:     make([]int, n),
		covering: make([][]int, n),
		version:  make([]int, n),
		mark:     make([]int, n),
		queue:    make(windowHeap, 0, n),
	}
	for i := range s.skip {
		s.skip[i] = i + 1
	}
	for anchor := 0; anchor < n; anchor++ {
		s.rebuild(anchor)
	}
	return s
}

// next 남은 창 중 가장 좋은 창
func (s *sweep) next() (window, bool) {
	for s.queue.Len() > 0 {
		c := heap.Pop(&s.queue).(candidate)
		if s.used[c.w.anchor] || c.version != s.version[c.w.anchor] {
			continue
		}
		return c.w, true
	}
	return window{}, false
}

// consume 창의 요청을 사용 처리하고 그 요청을 포함하던 창을 다시 만든다
func (s *sweep) consume(w window) {
	for _, idx := range w.indices {
		s.used[idx] = true
	}

	s.round++
	var affected []int
	for _, idx := range w.indices {
		for _, anchor := range s.covering[idx] {
			if s.used[anchor] || s.mark[anchor] == s.round {
				continue
			}
			s.mark[anchor] = s.round
			affected = append(affected, anchor)
		}
		s.covering[idx] = nil
	}
	for _, anchor := range affected {
		s.rebuild(anchor)
	}
}

func (s *sweep) rebuild(anchor int) {
	s.version[anchor]++
	w, ok := s.buildWindow(anchor)
	if !ok {
		// 요청이 빠진다고 슬롯이 채워지지는 않는다
		return
	}
	for _, idx := range w.indices {
		s.covering[idx] = append(s.covering[idx], anchor)
	}
	if s.e.acceptable(w) {
		heap.Push(&s.queue, candidate{w: w, version: s.version[anchor]})
	}
}

// buildWindow anchor부터 스킬 오름차순으로 슬롯을 정확히 채우는 창 구성.
// 남은 슬롯보다 큰 파티는 건너뛴다.
func (s *sweep) buildWindow(anchor int) (window, bool) {
	remaining := s.e.cfg.TargetSessionSize
	w := window{anchor: anchor}

	for i := anchor; remaining > 0; i++ {
		i = s.nextFree(i)
		if i >= len(s.sorted) {
			break
		}
		r := s.sorted[i]
		if r.PartySize > remaining {
			if i == anchor {
				return window{}, false
			}
			continue
		}
		remaining -= r.PartySize
		w.indices = append(w.indices, i)
		if r.WaitCredit > w.maxWait {
			w.maxWait = r.WaitCredit
		}
		if s.e.cfg.Overdue(r) {
			w.priority = true
		}
	}
	if remaining != 0 {
		return window{}, false
	}

	first := s.sorted[w.indices[0]]
	last := s.sorted[w.indices[len(w.indices)-1]]
	w.spread = last.SkillRating - first.SkillRating
	w.variance = waitVariance(s.sorted, w.indices)
	return w, true
}

// nextFree i 이상에서 사용되지 않은 첫 인덱스 (없으면 len)
func (s *sweep) nextFree(i int) int {
	root := i
	for root < len(s.used) && s.used[root] {
		root = s.skip[root]
	}
	for i < root {
		nxt := s.skip[i]
		s.skip[i] = root
		i = nxt
	}
	return root
}

type candidate struct {
	w       window
	version int
}

type windowHeap []candidate

func (h windowHeap) Len() int           { return len(h) }
func (h windowHeap) Less(i, j int) bool { return h[i].w.better(h[j].w) }
func (h windowHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *windowHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }

func (h *windowHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
