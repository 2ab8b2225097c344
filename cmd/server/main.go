package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rephlax/clutchcrew/internal/api"
	"github.com/rephlax/clutchcrew/internal/config"
	"github.com/rephlax/clutchcrew/internal/gameserver"
	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/rephlax/clutchcrew/internal/notify"
	"github.com/rephlax/clutchcrew/internal/pairing"
	"github.com/rephlax/clutchcrew/internal/queue"
	"github.com/rephlax/clutchcrew/internal/registry"
	"github.com/rephlax/clutchcrew/internal/repository"
	"github.com/rephlax/clutchcrew/internal/service"
	"github.com/rephlax/clutchcrew/internal/websocket"
	"github.com/rephlax/clutchcrew/pkg/database"
	"github.com/rephlax/clutchcrew/pkg/distributed"
	jwtutil "github.com/rephlax/clutchcrew/pkg/jwt"
	"github.com/rephlax/clutchcrew/pkg/logger"
	"github.com/rephlax/clutchcrew/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 설정 로드
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 로거 초기화
	logger.Init(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	logger.Info("Starting clutchcrew matchmaking",
		"port", cfg.Port,
		"env", cfg.Env,
		"gameModes", cfg.GameModes,
		"targetSessionSize", cfg.TargetSessionSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("Server stopped with error", "error", err)
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	g, ctx := errgroup.WithContext(ctx)

	// 매칭 코어
	engine, err := pairing.NewEngine(pairing.Config{
		TargetSessionSize:   cfg.TargetSessionSize,
		MaxSkillSpread:      cfg.MaxSkillSpread,
		SpreadPerWaitSecond: cfg.SpreadPerWaitSecond,
		MaxRelaxedSpread:    cfg.MaxRelaxedSpread,
		WaitCeiling:         cfg.WaitCeiling,
	})
	if err != nil {
		return err
	}

	store := queue.NewStore(queue.Limits{
		MinSkill:     cfg.MinSkill,
		MaxSkill:     cfg.MaxSkill,
		MaxPartySize: cfg.TargetSessionSize,
		GameModes:    cfg.GameModes,
	})
	reg := registry.New(cfg.AckTimeout, registry.WithRetention(cfg.ClosedSessionRetention))

	// WebSocket Hub (채팅 채널)
	hub := websocket.NewHub(logger.Named("websocket"), cfg.CORSAllowedOrigins...)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	// 게임 서비스 브리지 (Redis)
	var (
		gameChannel   notify.GameChannel = notify.NoopGameChannel{Logger: logger.Named("game")}
		redisClient   *redis.Client
		dispatchQueue *distributed.DispatchQueue
	)
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		dispatchQueue = distributed.NewDispatchQueue(redisClient, "game:sessions", 10000)
		gameChannel = distributed.NewGameChannel(dispatchQueue, 3)
		logger.Info("Game service bridge enabled", "queue", "queue:game:sessions", "events", distributed.DefaultGameEventChannel)
	} else {
		logger.Warn("REDIS_URL not set, game service bridge disabled")
	}

	gateway := notify.NewGateway(hub, gameChannel, logger.Named("notify"))

	opts := []service.Option{service.WithLogger(logger.Named("matchmaking"))}

	// 기록 저장 (PostgreSQL)
	var history *repository.SessionRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.Migrate(ctx, db); err != nil {
			return err
		}

		history = repository.NewSessionRepository(db)
		recorder := service.NewHistoryRecorder(history, 4096, logger.Named("history"))
		opts = append(opts, service.WithHistory(recorder))
		g.Go(func() error {
			return recorder.Run(ctx)
		})
		logger.Info("Database connection established, history enabled")
	} else {
		logger.Warn("DATABASE_URL not set, matchmaking history disabled")
	}

	svc := service.NewMatchmakingService(store, reg, engine, gateway, service.SchedulerConfig{
		Interval:          cfg.MatchmakingInterval,
		TriggerVersions:   cfg.MatchmakingTriggerVersions,
		QueueTTL:          cfg.QueueTTL,
		TargetSessionSize: cfg.TargetSessionSize,
	}, opts...)

	g.Go(func() error {
		svc.Start(ctx)
		<-ctx.Done()
		svc.Stop()
		return nil
	})

	if redisClient != nil {
		bus := distributed.NewGameEventBus(redisClient, distributed.DefaultGameEventChannel, logger.Named("game-events"))
		g.Go(func() error {
			return bus.Subscribe(ctx, func(ctx context.Context, ev models.GameEvent) error {
				return svc.HandleGameEvent(ctx, ev)
			})
		})
	}

	// Kubernetes 게임 서버 (작업 큐 소비자 + Job Watch)
	if cfg.GameServerImage != "" && dispatchQueue != nil {
		k8sClient, err := gameserver.NewInClusterClient()
		if err != nil {
			return err
		}

		launcher := gameserver.NewLauncher(k8sClient, cfg.GameServerNamespace, cfg.GameServerImage, logger.Named("gameserver"))
		dispatcher := gameserver.NewDispatcher(dispatchQueue, launcher, cfg.GameServerPoll, logger.Named("gameserver"))
		monitor := gameserver.NewMonitor(k8sClient, cfg.GameServerNamespace, svc.HandleGameEvent, logger.Named("gameserver-monitor"))

		g.Go(func() error {
			return dispatcher.Run(ctx)
		})
		g.Go(func() error {
			return monitor.Run(ctx)
		})
		logger.Info("Kubernetes game servers enabled",
			"namespace", cfg.GameServerNamespace,
			"image", cfg.GameServerImage)
	}

	// Rate Limit
	joinLimiter := ratelimit.NewRateLimiter(int64(cfg.JoinRateCapacity), cfg.JoinRateRefill)
	g.Go(func() error {
		return joinLimiter.Run(ctx)
	})

	deps := api.Dependencies{
		Config:      cfg,
		JWT:         jwtutil.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration),
		Matchmaker:  svc,
		Hub:         hub,
		JoinLimiter: joinLimiter,
	}
	if history != nil {
		deps.History = history
	}
	if dispatchQueue != nil {
		deps.Dispatch = dispatchQueue
	}
	if redisClient != nil {
		deps.IPLimiter = ratelimit.NewRedisRateLimiter(redisClient, "ratelimit:rpc:", 600, time.Minute)
	}

	// 서버 설정
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      api.SetupRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Redis connection established", "addr", opts.Addr)
	return client, nil
}
