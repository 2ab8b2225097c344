package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rephlax/clutchcrew/internal/api/handlers"
	"github.com/rephlax/clutchcrew/internal/api/middleware"
	"github.com/rephlax/clutchcrew/internal/config"
	"github.com/rephlax/clutchcrew/internal/websocket"
	jwtutil "github.com/rephlax/clutchcrew/pkg/jwt"
	"github.com/rephlax/clutchcrew/pkg/ratelimit"
)

// Dependencies 라우터가 사용하는 컴포넌트
type Dependencies struct {
	Config     *config.Config
	JWT        *jwtutil.JWTManager
	Matchmaker handlers.Matchmaker
	Hub        *websocket.Hub

	// 선택 사항
	History     handlers.SessionHistory
	Dispatch    handlers.DispatchStats
	JoinLimiter *ratelimit.RateLimiter
	IPLimiter   *ratelimit.RedisRateLimiter
}

// SetupRouter API 라우터 설정
func SetupRouter(deps Dependencies) *gin.Engine {
	if deps.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 전역 미들웨어
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(deps.Config.CORSAllowedOrigins))

	var joinGuard gin.HandlerFunc
	if deps.JoinLimiter != nil {
		joinGuard = middleware.RateLimit(deps.JoinLimiter, middleware.PlayerKeyFunc)
	}

	matchmakingHandler := handlers.NewMatchmakingHandler(deps.Matchmaker, deps.History, deps.Dispatch, joinGuard)
	wsHandler := handlers.NewWebSocketHandler(deps.Hub)
	auth := middleware.Auth(deps.JWT)

	// Health check
	router.GET("/health", handlers.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	{
		// WebSocket endpoint
		v1.GET("/ws", auth, wsHandler.HandleWebSocket)

		// Procedure routes
		rpc := v1.Group("/rpc")
		if deps.IPLimiter != nil {
			rpc.Use(middleware.RedisRateLimit(deps.IPLimiter, middleware.IPKeyFunc))
		}
		rpc.Use(auth)
		{
			rpc.POST("/:procedure", matchmakingHandler.Dispatch)
			rpc.GET("/:procedure", matchmakingHandler.Dispatch)
		}

		v1.GET("/matchmaking/stats", matchmakingHandler.Stats)
	}

	return router
}
