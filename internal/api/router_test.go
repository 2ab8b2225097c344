package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rephlax/clutchcrew/internal/config"
	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/rephlax/clutchcrew/internal/pairing"
	"github.com/rephlax/clutchcrew/internal/queue"
	"github.com/rephlax/clutchcrew/internal/registry"
	"github.com/rephlax/clutchcrew/internal/service"
	"github.com/rephlax/clutchcrew/internal/websocket"
	"github.com/rephlax/clutchcrew/pkg/distributed"
	jwtutil "github.com/rephlax/clutchcrew/pkg/jwt"
	"github.com/rephlax/clutchcrew/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopNotifier struct{}

func (nopNotifier) SessionFormed(context.Context, models.Session) error { return nil }
func (nopNotifier) SessionClosed(context.Context, models.Session) error { return nil }
func (nopNotifier) QueuePositionChanged(context.Context, models.QueuePositionChanged) error {
	return nil
}

type stubHistory struct {
	sessions []models.Session
}

func (h stubHistory) FindSessionsByPlayer(_ context.Context, playerID string, limit int) ([]models.Session, error) {
	var out []models.Session
	for _, s := range h.sessions {
		if s.HasMember(playerID) && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

type testServer struct {
	router *gin.Engine
	svc    *service.MatchmakingService
	jwt    *jwtutil.JWTManager
}

func setupServer(t *testing.T, joinCapacity int64) *testServer {
	t.Helper()
	return setupServerWith(t, joinCapacity, nil)
}

func setupServerWith(t *testing.T, joinCapacity int64, mutate func(*Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Env: "test", CORSAllowedOrigins: []string{"http://localhost:3000"}}
	store := queue.NewStore(queue.Limits{MinSkill: 0, MaxSkill: 5000, MaxPartySize: 2, GameModes: []string{"ranked"}})
	reg := registry.New(0)
	engine, err := pairing.NewEngine(pairing.Config{
		TargetSessionSize:   2,
		MaxSkillSpread:      50,
		SpreadPerWaitSecond: 1,
		MaxRelaxedSpread:    200,
		WaitCeiling:         time.Minute,
	})
	require.NoError(t, err)

	svc := service.NewMatchmakingService(store, reg, engine, nopNotifier{}, service.SchedulerConfig{TargetSessionSize: 2})
	jwt := jwtutil.NewJWTManager("test-secret", time.Hour)

	deps := Dependencies{
		Config:      cfg,
		JWT:         jwt,
		Matchmaker:  svc,
		Hub:         websocket.NewHub(zap.NewNop()),
		History:     stubHistory{sessions: []models.Session{{SessionID: "old", Members: []string{"p1", "p9"}}}},
		JoinLimiter: ratelimit.NewRateLimiter(joinCapacity, time.Hour),
	}
	if mutate != nil {
		mutate(&deps)
	}
	router := SetupRouter(deps)
	return &testServer{router: router, svc: svc, jwt: jwt}
}

func (s *testServer) call(t *testing.T, method, procedure, playerID string, skill int, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1/rpc/"+procedure, &buf)
	req.Header.Set("Content-Type", "application/json")
	if playerID != "" {
		token, err := s.jwt.Generate(playerID, skill)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestRouter_HealthCheck(t *testing.T) {
	s := setupServer(t, 5)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestRouter_ProcedureDispatch(t *testing.T) {
	s := setupServer(t, 5)

	tests := []struct {
		name      string
		method    string
		procedure string
		playerID  string
		body      interface{}
		wantCode  int
		wantField string
		wantValue interface{}
	}{
		{"no token", http.MethodPost, "matchmaking.joinQueue", "", nil, http.StatusUnauthorized, "", nil},
		{"unknown procedure", http.MethodPost, "matchmaking.explode", "p1", nil, http.StatusNotFound, "", nil},
		{"mutation over GET", http.MethodGet, "matchmaking.joinQueue", "p1", nil, http.StatusMethodNotAllowed, "", nil},
		{"missing game mode", http.MethodPost, "matchmaking.joinQueue", "p1", map[string]interface{}{}, http.StatusBadRequest, "", nil},
		{"unknown game mode", http.MethodPost, "matchmaking.joinQueue", "p1", map[string]interface{}{"gameMode": "arcade"}, http.StatusBadRequest, "", nil},
		{"status before join", http.MethodGet, "matchmaking.getQueueStatus", "p1", nil, http.StatusOK, "status", "notQueued"},
		{"join", http.MethodPost, "matchmaking.joinQueue", "p1", map[string]interface{}{"gameMode": "ranked"}, http.StatusOK, "status", "queued"},
		{"status after join", http.MethodGet, "matchmaking.getQueueStatus", "p1", nil, http.StatusOK, "position", float64(1)},
		{"no session yet", http.MethodGet, "matchmaking.getSession", "p1", nil, http.StatusOK, "session", nil},
		{"leave", http.MethodPost, "matchmaking.leaveQueue", "p1", nil, http.StatusOK, "status", "ok"},
		{"leave twice", http.MethodPost, "matchmaking.leaveQueue", "p1", nil, http.StatusOK, "status", "notQueued"},
		{"leave session without one", http.MethodPost, "matchmaking.leaveSession", "p1", nil, http.StatusNotFound, "", nil},
		{"acknowledge unknown", http.MethodPost, "matchmaking.acknowledgeSession", "p1", map[string]interface{}{"sessionId": "nope"}, http.StatusNotFound, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.call(t, tt.method, tt.procedure, tt.playerID, 1500, tt.body)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantField != "" {
				assert.Equal(t, tt.wantValue, body[tt.wantField])
			}
		})
	}
}

func TestRouter_SessionFlow(t *testing.T) {
	s := setupServer(t, 5)
	join := map[string]interface{}{"gameMode": "ranked"}

	code, _ := s.call(t, http.MethodPost, "matchmaking.joinQueue", "p1", 1500, join)
	require.Equal(t, http.StatusOK, code)
	code, _ = s.call(t, http.MethodPost, "matchmaking.joinQueue", "p2", 1520, join)
	require.Equal(t, http.StatusOK, code)

	result := s.svc.RunPass(context.Background())
	require.Len(t, result.Sessions, 1)
	sessionID := result.Sessions[0].SessionID

	code, body := s.call(t, http.MethodGet, "matchmaking.getSession", "p1", 1500, nil)
	require.Equal(t, http.StatusOK, code)
	session, ok := body["session"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, sessionID, session["sessionId"])
	assert.Equal(t, "ready", session["state"])

	code, _ = s.call(t, http.MethodPost, "matchmaking.joinQueue", "p1", 1500, join)
	assert.Equal(t, http.StatusConflict, code, "seated player cannot queue")

	code, _ = s.call(t, http.MethodPost, "matchmaking.acknowledgeSession", "p3", 1500, map[string]interface{}{"sessionId": sessionID})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = s.call(t, http.MethodPost, "matchmaking.acknowledgeSession", "p1", 1500, map[string]interface{}{"sessionId": sessionID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["state"])

	code, body = s.call(t, http.MethodPost, "matchmaking.leaveSession", "p2", 1520, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = s.call(t, http.MethodGet, "matchmaking.getQueueStatus", "p1", 1500, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued", body["status"], "remaining member is requeued")
}

func TestRouter_JoinQueueRateLimited(t *testing.T) {
	s := setupServer(t, 2)
	join := map[string]interface{}{"gameMode": "ranked"}

	for i := 0; i < 2; i++ {
		code, _ := s.call(t, http.MethodPost, "matchmaking.joinQueue", "p1", 1500, join)
		require.Equal(t, http.StatusOK, code)
	}

	code, body := s.call(t, http.MethodPost, "matchmaking.joinQueue", "p1", 1500, join)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.NotNil(t, body["retry_after"])

	code, _ = s.call(t, http.MethodPost, "matchmaking.joinQueue", "p2", 1500, join)
	assert.Equal(t, http.StatusOK, code, "limit is per player")

	code, _ = s.call(t, http.MethodGet, "matchmaking.getQueueStatus", "p1", 1500, nil)
	assert.Equal(t, http.StatusOK, code, "other procedures are not limited")
}

func TestRouter_History(t *testing.T) {
	s := setupServer(t, 5)

	code, body := s.call(t, http.MethodGet, "matchmaking.getHistory", "p1", 1500, nil)
	require.Equal(t, http.StatusOK, code)
	sessions, ok := body["sessions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, sessions, 1)

	code, body = s.call(t, http.MethodGet, "matchmaking.getHistory", "p2", 1500, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["sessions"])
}

func TestRouter_StatsAndCORS(t *testing.T) {
	s := setupServer(t, 5)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/matchmaking/stats", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Body.String(), `"queued":0`)

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/rpc/matchmaking.joinQueue", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_StatsIncludeDispatchQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue := distributed.NewDispatchQueue(client, "game:sessions", 0)
	channel := distributed.NewGameChannel(queue, 3)
	require.NoError(t, channel.InstantiateMatch(context.Background(), models.SessionFormed{SessionID: "s1", Members: []string{"p1", "p2"}}))

	s := setupServerWith(t, 5, func(d *Dependencies) { d.Dispatch = queue })

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/matchmaking/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["queued"])
	dispatch, ok := body["dispatch"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), dispatch["queue_size"])

	// Redis가 내려가도 매칭 통계는 응답한다
	mr.Close()
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/matchmaking/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"dispatch"`)
}
