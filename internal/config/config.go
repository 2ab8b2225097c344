package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database (비어 있으면 기록 저장 비활성화)
	DatabaseURL string

	// Redis (비어 있으면 게임 서비스 브리지 비활성화)
	RedisURL string

	// JWT
	JWTSecret     string
	JWTExpiration time.Duration

	// CORS
	CORSAllowedOrigins []string

	// Matchmaking loop
	MatchmakingInterval        time.Duration
	MatchmakingTriggerVersions uint64

	// Pairing
	TargetSessionSize   int
	MaxSkillSpread      int
	SpreadPerWaitSecond float64
	MaxRelaxedSpread    int
	WaitCeiling         time.Duration

	// Queue
	QueueTTL  time.Duration
	MinSkill  int
	MaxSkill  int
	GameModes []string

	// Sessions
	AckTimeout             time.Duration
	ClosedSessionRetention time.Duration

	// Rate limit (joinQueue, 플레이어별 토큰 버킷)
	JoinRateCapacity int
	JoinRateRefill   time.Duration

	// Kubernetes 게임 서버 (이미지가 비어 있으면 비활성화, REDIS_URL 필요)
	GameServerImage     string
	GameServerNamespace string
	GameServerPoll      time.Duration
}

func Load() (*Config, error) {
	// .env 파일 로드 (있는 경우)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                       getEnv("PORT", "8080"),
		Env:                        getEnv("ENV", "development"),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		DatabaseURL:                getEnv("DATABASE_URL", ""),
		RedisURL:                   getEnv("REDIS_URL", ""),
		JWTSecret:                  getEnv("JWT_SECRET", "your-secret-key"),
		JWTExpiration:              parseDuration(getEnv("JWT_EXPIRATION", "24h"), 24*time.Hour),
		CORSAllowedOrigins:         splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		MatchmakingInterval:        parseDuration(getEnv("MATCHMAKING_INTERVAL", "250ms"), 250*time.Millisecond),
		MatchmakingTriggerVersions: uint64(parseInt(getEnv("MATCHMAKING_TRIGGER_VERSIONS", "8"), 8)),
		TargetSessionSize:          parseInt(getEnv("TARGET_SESSION_SIZE", "2"), 2),
		MaxSkillSpread:             parseInt(getEnv("MAX_SKILL_SPREAD", "100"), 100),
		SpreadPerWaitSecond:        parseFloat(getEnv("SPREAD_PER_WAIT_SECOND", "5"), 5),
		MaxRelaxedSpread:           parseInt(getEnv("MAX_RELAXED_SPREAD", "400"), 400),
		WaitCeiling:                parseDuration(getEnv("WAIT_CEILING", "90s"), 90*time.Second),
		QueueTTL:                   parseDuration(getEnv("QUEUE_TTL", "10m"), 10*time.Minute),
		MinSkill:                   parseInt(getEnv("MIN_SKILL", "0"), 0),
		MaxSkill:                   parseInt(getEnv("MAX_SKILL", "5000"), 5000),
		GameModes:                  splitList(getEnv("GAME_MODES", "ranked,casual")),
		AckTimeout:                 parseDuration(getEnv("ACK_TIMEOUT", "20s"), 20*time.Second),
		ClosedSessionRetention:     parseDuration(getEnv("CLOSED_SESSION_RETENTION", "10m"), 10*time.Minute),
		JoinRateCapacity:           parseInt(getEnv("JOIN_RATE_CAPACITY", "5"), 5),
		JoinRateRefill:             parseDuration(getEnv("JOIN_RATE_REFILL", "2s"), 2*time.Second),
		GameServerImage:            getEnv("GAME_SERVER_IMAGE", ""),
		GameServerNamespace:        getEnv("GAME_SERVER_NAMESPACE", "clutchcrew"),
		GameServerPoll:             parseDuration(getEnv("GAME_SERVER_POLL", "500ms"), 500*time.Millisecond),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 설정 값 검증
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: PORT is required", ErrInvalidConfig)
	case c.Env == "production" && c.JWTSecret == "your-secret-key":
		return fmt.Errorf("%w: JWT_SECRET must be set in production", ErrInvalidConfig)
	case c.MatchmakingInterval <= 0:
		return fmt.Errorf("%w: MATCHMAKING_INTERVAL must be positive", ErrInvalidConfig)
	case c.TargetSessionSize < 2:
		return fmt.Errorf("%w: TARGET_SESSION_SIZE must be at least 2", ErrInvalidConfig)
	case c.MaxSkillSpread < 0:
		return fmt.Errorf("%w: MAX_SKILL_SPREAD must not be negative", ErrInvalidConfig)
	case c.MaxRelaxedSpread < c.MaxSkillSpread:
		return fmt.Errorf("%w: MAX_RELAXED_SPREAD must be >= MAX_SKILL_SPREAD", ErrInvalidConfig)
	case c.WaitCeiling <= 0:
		return fmt.Errorf("%w: WAIT_CEILING must be positive", ErrInvalidConfig)
	case c.MinSkill > c.MaxSkill:
		return fmt.Errorf("%w: MIN_SKILL must be <= MAX_SKILL", ErrInvalidConfig)
	case len(c.GameModes) == 0:
		return fmt.Errorf("%w: GAME_MODES must list at least one mode", ErrInvalidConfig)
	case c.JoinRateCapacity <= 0 || c.JoinRateRefill <= 0:
		return fmt.Errorf("%w: join rate limit must be positive", ErrInvalidConfig)
	case c.GameServerImage != "" && c.RedisURL == "":
		return fmt.Errorf("%w: GAME_SERVER_IMAGE requires REDIS_URL", ErrInvalidConfig)
	case c.GameServerImage != "" && c.GameServerPoll <= 0:
		return fmt.Errorf("%w: GAME_SERVER_POLL must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsProduction 운영 환경 여부
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fallback
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
