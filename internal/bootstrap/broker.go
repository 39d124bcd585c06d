// Package bootstrap assembles the broker from the environment.
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/example/codequeue/internal/state"
)

// BrokerConfig carries everything the queue-api binary needs. All of it
// comes from the environment; there is no config file on the broker
// side.
type BrokerConfig struct {
	Port            int
	APIKey          string
	DatabasePath    string
	MaxTaskAge      time.Duration
	CleanupInterval time.Duration
	Debug           bool

	SubmitPerClientPerMin int
	SubmitGlobalPerMin    int
}

func BrokerConfigFromEnv() BrokerConfig {
	return BrokerConfig{
		Port:                  getenvInt("PORT", 5000),
		APIKey:                os.Getenv("API_KEY"),
		DatabasePath:          getenv("DATABASE_PATH", "task_queue.db"),
		MaxTaskAge:            time.Duration(getenvInt("MAX_TASK_AGE_HOURS", 24)) * time.Hour,
		CleanupInterval:       time.Duration(getenvInt("CLEANUP_INTERVAL_MINUTES", 60)) * time.Minute,
		Debug:                 getenvBool("DEBUG", false),
		SubmitPerClientPerMin: getenvInt("CODEQUEUE_SUBMIT_RATE_LIMIT_PER_MIN", 1000),
		SubmitGlobalPerMin:    getenvInt("CODEQUEUE_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 5000),
	}
}

// NewStoreFromEnv picks the store backend. sqlite is the default; the
// memory backend exists for local runs that need no file at all.
func NewStoreFromEnv(cfg BrokerConfig) (state.Store, error) {
	kind := getenv("CODEQUEUE_STORE", "sqlite")
	switch kind {
	case "sqlite":
		return state.NewSQLiteStore(cfg.DatabasePath)
	case "postgres":
		dsn := os.Getenv("CODEQUEUE_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("CODEQUEUE_POSTGRES_DSN is required when CODEQUEUE_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	case "memory":
		return state.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported CODEQUEUE_STORE value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
