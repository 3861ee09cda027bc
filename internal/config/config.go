package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the coordinator listens on.
	DefaultAddr = ":8765"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTimeout bounds how long a connection may stay silent before reads fail.
	DefaultPongTimeout = 60 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultRoomID names the room every connection joins unless it asks otherwise.
	DefaultRoomID = "main_room"
	// DefaultRoomCapacity bounds concurrent players per room.
	DefaultRoomCapacity = 50
	// DefaultTickInterval is the cadence of the background world tick.
	DefaultTickInterval = 5 * time.Second
	// DefaultIdleTimeout is the inactivity window after which a player is reaped.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultSpawnInterval is how often the zombie population grows.
	DefaultSpawnInterval = 30 * time.Second
	// DefaultSpawnIncrement is how many zombies each spawn interval adds to a room.
	DefaultSpawnIncrement = 2
	// DefaultInitialZombies seeds the zombie counter of a freshly created room.
	DefaultInitialZombies = 10
	// DefaultMaxZombies caps the zombie counter of a room.
	DefaultMaxZombies = 100
	// DefaultBotSpawnBatch is how many bots each spawn interval adds to the lifetime stat.
	DefaultBotSpawnBatch = 5
	// DefaultInitialBots seeds the lifetime bots-spawned stat at process start.
	DefaultInitialBots = 10
	// DefaultBroadcastMinInterval rate-limits player-triggered state broadcasts.
	DefaultBroadcastMinInterval = 2 * time.Second
	// DefaultChatMaxLength bounds accepted chat message length in bytes.
	DefaultChatMaxLength = 200

	// DefaultJournalFlushWindow bounds how frequently journal flushes may be requested.
	DefaultJournalFlushWindow = time.Minute
	// DefaultJournalFlushBurst sets how many flush requests may be made per window.
	DefaultJournalFlushBurst = 1

	// DefaultLogLevel controls verbosity for coordinator logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "coordinator.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the coordinator service.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	PongTimeout     time.Duration
	TLSCertPath     string
	TLSKeyPath      string

	DefaultRoomID        string
	RoomCapacity         int
	TickInterval         time.Duration
	IdleTimeout          time.Duration
	SpawnInterval        time.Duration
	SpawnIncrement       int
	InitialZombies       int
	MaxZombies           int
	BotSpawnBatch        int
	InitialBots          int
	BroadcastMinInterval time.Duration
	ChatMaxLength        int

	AuthSecret string
	AdminToken string

	JournalDir         string
	JournalFlushWindow time.Duration
	JournalFlushBurst  int

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the coordinator configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("COORD_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("COORD_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		PongTimeout:     DefaultPongTimeout,
		TLSCertPath:     strings.TrimSpace(os.Getenv("COORD_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("COORD_TLS_KEY")),

		DefaultRoomID:        getString("COORD_DEFAULT_ROOM", DefaultRoomID),
		RoomCapacity:         DefaultRoomCapacity,
		TickInterval:         DefaultTickInterval,
		IdleTimeout:          DefaultIdleTimeout,
		SpawnInterval:        DefaultSpawnInterval,
		SpawnIncrement:       DefaultSpawnIncrement,
		InitialZombies:       DefaultInitialZombies,
		MaxZombies:           DefaultMaxZombies,
		BotSpawnBatch:        DefaultBotSpawnBatch,
		InitialBots:          DefaultInitialBots,
		BroadcastMinInterval: DefaultBroadcastMinInterval,
		ChatMaxLength:        DefaultChatMaxLength,

		AuthSecret: strings.TrimSpace(os.Getenv("COORD_AUTH_SECRET")),
		AdminToken: strings.TrimSpace(os.Getenv("COORD_ADMIN_TOKEN")),

		JournalDir:         strings.TrimSpace(os.Getenv("COORD_JOURNAL_DIR")),
		JournalFlushWindow: DefaultJournalFlushWindow,
		JournalFlushBurst:  DefaultJournalFlushBurst,

		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("COORD_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("COORD_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	parsePositiveInt64 := func(key string, dst *int64) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || value <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			} else {
				*dst = value
			}
		}
	}
	parsePositiveInt := func(key string, dst *int) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			} else {
				*dst = value
			}
		}
	}
	parseNonNegativeInt := func(key string, dst *int) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value < 0 {
				problems = append(problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
			} else {
				*dst = value
			}
		}
	}
	parsePositiveDuration := func(key string, dst *time.Duration) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			duration, err := time.ParseDuration(raw)
			if err != nil || duration <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			} else {
				*dst = duration
			}
		}
	}

	parsePositiveInt64("COORD_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	parsePositiveDuration("COORD_PING_INTERVAL", &cfg.PingInterval)
	parsePositiveDuration("COORD_PONG_TIMEOUT", &cfg.PongTimeout)
	parsePositiveInt("COORD_ROOM_CAPACITY", &cfg.RoomCapacity)
	parsePositiveDuration("COORD_TICK_INTERVAL", &cfg.TickInterval)
	parsePositiveDuration("COORD_IDLE_TIMEOUT", &cfg.IdleTimeout)
	parsePositiveDuration("COORD_SPAWN_INTERVAL", &cfg.SpawnInterval)
	parsePositiveInt("COORD_SPAWN_INCREMENT", &cfg.SpawnIncrement)
	parseNonNegativeInt("COORD_INITIAL_ZOMBIES", &cfg.InitialZombies)
	parsePositiveInt("COORD_MAX_ZOMBIES", &cfg.MaxZombies)
	parsePositiveInt("COORD_BOT_SPAWN_BATCH", &cfg.BotSpawnBatch)
	parseNonNegativeInt("COORD_INITIAL_BOTS", &cfg.InitialBots)
	parsePositiveDuration("COORD_BROADCAST_MIN_INTERVAL", &cfg.BroadcastMinInterval)
	parsePositiveInt("COORD_CHAT_MAX_LENGTH", &cfg.ChatMaxLength)
	parsePositiveDuration("COORD_JOURNAL_FLUSH_WINDOW", &cfg.JournalFlushWindow)
	parsePositiveInt("COORD_JOURNAL_FLUSH_BURST", &cfg.JournalFlushBurst)
	parsePositiveInt("COORD_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	parseNonNegativeInt("COORD_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	parseNonNegativeInt("COORD_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)

	if raw := strings.TrimSpace(os.Getenv("COORD_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("COORD_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.MaxZombies < cfg.InitialZombies {
		problems = append(problems, fmt.Sprintf("COORD_MAX_ZOMBIES (%d) must not be below COORD_INITIAL_ZOMBIES (%d)", cfg.MaxZombies, cfg.InitialZombies))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "COORD_TLS_CERT and COORD_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
