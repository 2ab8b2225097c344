package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rephlax/clutchcrew/internal/api/middleware"
	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/rephlax/clutchcrew/internal/service"
	"github.com/rephlax/clutchcrew/pkg/distributed"
	"github.com/rephlax/clutchcrew/pkg/logger"
)

// Matchmaker 매칭 서비스가 노출하는 플레이어 작업
type Matchmaker interface {
	JoinQueue(ctx context.Context, req models.MatchRequest) (service.JoinResult, error)
	LeaveQueue(ctx context.Context, playerID string) error
	QueueStatus(playerID string) (models.QueueStatus, error)
	SessionFor(playerID string) (models.Session, bool)
	AcknowledgeSession(ctx context.Context, sessionID, playerID string) (models.Session, error)
	LeaveSession(ctx context.Context, playerID string) (models.Session, error)
	Stats() service.Stats
}

type procedureKind int

const (
	query procedureKind = iota
	mutation
)

type procedure struct {
	kind   procedureKind
	handle gin.HandlerFunc
	// 호출 전에 실행되는 가드 (Rate Limit 등). Abort하면 handle은 실행되지 않는다.
	guard gin.HandlerFunc
}

// SessionHistory 지난 세션 조회 (DB가 없으면 nil)
type SessionHistory interface {
	FindSessionsByPlayer(ctx context.Context, playerID string, limit int) ([]models.Session, error)
}

// DispatchStats 게임 서비스 작업 큐 통계 (Redis가 없으면 nil)
type DispatchStats interface {
	Stats(ctx context.Context) (*distributed.QueueStats, error)
}

// MatchmakingHandler 매칭 프로시저 디스패처
type MatchmakingHandler struct {
	matchmaker Matchmaker
	history    SessionHistory
	dispatch   DispatchStats
	procedures map[string]procedure
}

// NewMatchmakingHandler MatchmakingHandler 생성. joinGuard는 joinQueue에만 적용된다.
func NewMatchmakingHandler(matchmaker Matchmaker, history SessionHistory, dispatch DispatchStats, joinGuard gin.HandlerFunc) *MatchmakingHandler {
	h := &MatchmakingHandler{matchmaker: matchmaker, history: history, dispatch: dispatch}
	h.procedures = map[string]procedure{
		"matchmaking.joinQueue":          {kind: mutation, handle: h.joinQueue, guard: joinGuard},
		"matchmaking.leaveQueue":         {kind: mutation, handle: h.leaveQueue},
		"matchmaking.getQueueStatus":     {kind: query, handle: h.getQueueStatus},
		"matchmaking.getSession":         {kind: query, handle: h.getSession},
		"matchmaking.acknowledgeSession": {kind: mutation, handle: h.acknowledgeSession},
		"matchmaking.leaveSession":       {kind: mutation, handle: h.leaveSession},
		"matchmaking.getHistory":         {kind: query, handle: h.getHistory},
	}
	return h
}

// Dispatch POST /rpc/:procedure (query는 GET도 허용)
func (h *MatchmakingHandler) Dispatch(c *gin.Context) {
	name := c.Param("procedure")
	p, ok := h.procedures[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown procedure", "procedure": name})
		return
	}

	if c.Request.Method == http.MethodGet && p.kind != query {
		c.Header("Allow", http.MethodPost)
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Mutations require POST", "procedure": name})
		return
	}

	if p.guard != nil {
		p.guard(c)
		if c.IsAborted() {
			return
		}
	}
	p.handle(c)
}

type statsResponse struct {
	service.Stats
	Dispatch *distributed.QueueStats `json:"dispatch,omitempty"`
}

// Stats GET /matchmaking/stats
func (h *MatchmakingHandler) Stats(c *gin.Context) {
	resp := statsResponse{Stats: h.matchmaker.Stats()}
	if h.dispatch != nil {
		stats, err := h.dispatch.Stats(c.Request.Context())
		if err != nil {
			logger.Warn("Failed to read dispatch queue stats", "error", err)
		} else {
			resp.Dispatch = stats
		}
	}
	c.JSON(http.StatusOK, resp)
}

type joinQueueInput struct {
	GameMode  string `json:"gameMode" binding:"required"`
	PartySize int    `json:"partySize"`
}

func (h *MatchmakingHandler) joinQueue(c *gin.Context) {
	playerID, ok := requirePlayer(c)
	if !ok {
		return
	}

	var input joinQueueInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.PartySize == 0 {
		input.PartySize = 1
	}

	result, err := h.matchmaker.JoinQueue(c.Request.Context(), models.MatchRequest{
		PlayerID:    playerID,
		SkillRating: middleware.SkillRating(c),
		PartySize:   input.PartySize,
		GameMode:    input.GameMode,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "queued",
		"request":  result.Request,
		"replaced": result.Replaced,
	})
}

func (h *MatchmakingHandler) leaveQueue(c *gin.Context) {
	playerID, ok := requirePlayer(c)
	if !ok {
		return
	}

	if err := h.matchmaker.LeaveQueue(c.Request.Context(), playerID); err != nil {
		if errors.Is(err, service.ErrNotQueued) {
			c.JSON(http.StatusOK, gin.H{"status": "notQueued"})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *MatchmakingHandler) getQueueStatus(c *gin.Context) {
	playerID, ok := requirePlayer(c)
	if !ok {
		return
	}

	status, err := h.matchmaker.QueueStatus(playerID)
	if err != nil {
		if errors.Is(err, service.ErrNotQueued) {
			c.JSON(http.StatusOK, gin.H{"status": "notQueued"})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "queued",
		"gameMode":        status.GameMode,
		"position":        status.Position,
		"total":           status.Total,
		"estimatedWaitMs": status.EstimatedWait.Milliseconds(),
	})
}

func (h *MatchmakingHandler) getSession(c *gin.Context) {
	playerID, ok := requirePlayer(c)
	if !ok {
		return
	}

	s, found := h.matchmaker.SessionFor(playerID)
	if !found {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

type acknowledgeInput struct {
	SessionID string `json:"sessionId" binding:"required"`
}

func (h *MatchmakingHandler) acknowledgeSession(c *gin.Context) {
	playerID, ok := requirePlayer(c)
	if !ok {
		return
	}

	var input acknowledgeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.matchmaker.AcknowledgeSession(c.Request.Context(), input.SessionID, playerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.State})
}

func (h *MatchmakingHandler) leaveSession(c *gin.Context) {
	playerID, ok := requirePlayer(c)
	if !ok {
		return
	}

	if _, err := h.matchmaker.LeaveSession(c.Request.Context(), playerID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *MatchmakingHandler) getHistory(c *gin.Context) {
	playerID, ok := requirePlayer(c)
	if !ok {
		return
	}
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []models.Session{}})
		return
	}

	limit := 20
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}

	sessions, err := h.history.FindSessionsByPlayer(c.Request.Context(), playerID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func requirePlayer(c *gin.Context) (string, bool) {
	playerID, ok := middleware.PlayerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return "", false
	}
	return playerID, true
}

// writeError 서비스 에러를 HTTP 상태로 변환
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrNoOpenSession):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotSessionMember):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrAlreadyInSession):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logger.Error("Matchmaking procedure failed", "procedure", c.Param("procedure"), "error", err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
