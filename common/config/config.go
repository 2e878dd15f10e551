package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything tunable from the environment. A .env file is
// honored when present.
type Config struct {
	ListenAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CheckpointOps      int
	CheckpointInterval time.Duration

	HeartbeatTimeout time.Duration
	RemovalGrace     time.Duration
	SessionIdleGrace time.Duration

	MaxParticipants int
	MaxPendingOps   int
	MailboxSize     int
	SubmitTimeout   time.Duration
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", "0.0.0.0:8080"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		CheckpointOps:      getEnvInt("CHECKPOINT_OPS", 50),
		CheckpointInterval: getEnvDuration("CHECKPOINT_INTERVAL", 30*time.Second),

		HeartbeatTimeout: getEnvDuration("HEARTBEAT_TIMEOUT", 30*time.Second),
		RemovalGrace:     getEnvDuration("PRESENCE_REMOVAL_GRACE", 60*time.Second),
		SessionIdleGrace: getEnvDuration("SESSION_IDLE_GRACE", 2*time.Minute),

		MaxParticipants: getEnvInt("MAX_PARTICIPANTS", 32),
		MaxPendingOps:   getEnvInt("MAX_PENDING_OPS", 64),
		MailboxSize:     getEnvInt("SESSION_MAILBOX_SIZE", 256),
		SubmitTimeout:   getEnvDuration("SUBMIT_TIMEOUT", 2*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
