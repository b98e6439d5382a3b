// Package config loads server configuration from environment variables,
// with an optional .env file for local development.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration.
type Config struct {
	// Server settings
	Port int

	// CORS/WebSocket allowed origins (comma-separated hostnames), e.g.
	// "localhost,myduelapp.com". Each hostname allows both http://hostname
	// and http://hostname:port.
	AllowedOrigins []string

	// AllowSameHost allows requests where the Origin header's hostname
	// matches the server's Host header, so same-host deployments work
	// without extra config.
	AllowSameHost bool

	// Room/game timing
	QuestionCount              int
	GameDuration                time.Duration
	GraceWaitingRoom            time.Duration
	GraceStartedGame            time.Duration
	TimerSyncInterval           time.Duration
	FinalizationPacingInterval  time.Duration
	StaleRoomCleanupInterval    time.Duration
	StaleRoomMaxAge             time.Duration

	// Scoring constants (server contract, per spec.md §4.7 step 5)
	LowerBasePoints int
	LowerMinPoints  int
	UpperBasePoints int
	UpperMinPoints  int
	DecayPerMinute  int

	// External judge
	JudgeBaseURL string
	JudgeTimeout time.Duration

	// Identity
	JWTSigningKey string

	// Persistence
	PostgresDSN string
}

// DefaultConfig returns configuration with sensible defaults matching the
// reference configuration named throughout spec.md (questionCount=2,
// duration=15m, scoring constants {500/250, 1000/500}).
func DefaultConfig() *Config {
	return &Config{
		Port:                       8080,
		AllowedOrigins:             []string{"localhost"},
		AllowSameHost:              true,
		QuestionCount:              2,
		GameDuration:               15 * time.Minute,
		GraceWaitingRoom:           15 * time.Second,
		GraceStartedGame:           60 * time.Second,
		TimerSyncInterval:          5 * time.Second,
		FinalizationPacingInterval: time.Second,
		StaleRoomCleanupInterval:   1 * time.Hour,
		StaleRoomMaxAge:            24 * time.Hour,
		LowerBasePoints:            500,
		LowerMinPoints:             250,
		UpperBasePoints:            1000,
		UpperMinPoints:             500,
		DecayPerMinute:             5,
		JudgeBaseURL:               "https://codeforces.com/api",
		JudgeTimeout:               20 * time.Second,
		PostgresDSN:                "",
	}
}

// LoadFromEnv loads configuration from environment variables, first reading
// a .env file if one is present in the working directory (ignored silently
// if absent — this is a development convenience, not a requirement).
//
// Supported variables:
//   - PORT
//   - ALLOWED_ORIGINS (comma-separated)
//   - ALLOW_SAME_HOST (true/1)
//   - GAME_DURATION_MINUTES
//   - GRACE_WAITING_SECONDS
//   - GRACE_STARTED_SECONDS
//   - TIMER_SYNC_SECONDS
//   - FINALIZATION_PACING_SECONDS
//   - STALE_ROOM_CLEANUP_HOURS
//   - STALE_ROOM_MAX_AGE_HOURS
//   - JUDGE_BASE_URL
//   - JUDGE_TIMEOUT_SECONDS
//   - JWT_SIGNING_KEY
//   - POSTGRES_DSN
//
// GameDuration, TimerSyncInterval, FinalizationPacingInterval, QuestionCount
// and the scoring constants are filled in here but not read by any other
// package: the room, hub, game and scoring packages use their own fixed
// values (15 minutes, a 5-second tick, a 1-second pacer, 2 problems,
// 500/250, 1000/500 and 5 per minute), so GAME_DURATION_MINUTES,
// TIMER_SYNC_SECONDS and FINALIZATION_PACING_SECONDS have no effect on them.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		cfg.AllowedOrigins = make([]string, 0, len(origins))
		for _, o := range origins {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if v := os.Getenv("ALLOW_SAME_HOST"); v != "" {
		cfg.AllowSameHost = v == "true" || v == "1"
	}

	if mins := intEnv("GAME_DURATION_MINUTES"); mins > 0 {
		cfg.GameDuration = time.Duration(mins) * time.Minute
	}
	if secs := intEnv("GRACE_WAITING_SECONDS"); secs > 0 {
		cfg.GraceWaitingRoom = time.Duration(secs) * time.Second
	}
	if secs := intEnv("GRACE_STARTED_SECONDS"); secs > 0 {
		cfg.GraceStartedGame = time.Duration(secs) * time.Second
	}
	if secs := intEnv("TIMER_SYNC_SECONDS"); secs > 0 {
		cfg.TimerSyncInterval = time.Duration(secs) * time.Second
	}
	if secs := intEnv("FINALIZATION_PACING_SECONDS"); secs > 0 {
		cfg.FinalizationPacingInterval = time.Duration(secs) * time.Second
	}
	if hrs := intEnv("STALE_ROOM_CLEANUP_HOURS"); hrs > 0 {
		cfg.StaleRoomCleanupInterval = time.Duration(hrs) * time.Hour
	}
	if hrs := intEnv("STALE_ROOM_MAX_AGE_HOURS"); hrs > 0 {
		cfg.StaleRoomMaxAge = time.Duration(hrs) * time.Hour
	}

	if v := os.Getenv("JUDGE_BASE_URL"); v != "" {
		cfg.JudgeBaseURL = v
	}
	if secs := intEnv("JUDGE_TIMEOUT_SECONDS"); secs > 0 {
		cfg.JudgeTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("JWT_SIGNING_KEY"); v != "" {
		cfg.JWTSigningKey = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}

	return cfg
}

func intEnv(name string) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0
	}
	return v
}

// IsOriginAllowed checks if the given origin is allowed based on configured
// origins only.
func (c *Config) IsOriginAllowed(origin string) bool {
	for _, allowed := range c.AllowedOrigins {
		for _, scheme := range []string{"http://", "https://"} {
			prefix := scheme + allowed
			if origin == prefix || strings.HasPrefix(origin, prefix+":") {
				return true
			}
		}
	}
	return false
}

// IsOriginAllowedForRequest checks if the given origin is allowed,
// considering both configured origins and the same-host policy.
// requestHost is the Host header from the incoming request.
func (c *Config) IsOriginAllowedForRequest(origin, requestHost string) bool {
	if c.IsOriginAllowed(origin) {
		return true
	}

	if c.AllowSameHost {
		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			return false
		}
		originHost := parsedOrigin.Hostname()

		parsedReq, err := url.Parse("http://" + requestHost)
		if err != nil {
			return false
		}
		reqHost := parsedReq.Hostname()

		if originHost == reqHost {
			return true
		}
	}

	return false
}
