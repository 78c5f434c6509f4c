package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// applyEnv overrides cfg from RISKWATCH_* environment variables.
func applyEnv(cfg *domain.Config) {
	if os.Getenv("RISKWATCH_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv("RISKWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RISKWATCH_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	cfg.Server.Port = envInt("RISKWATCH_PORT", cfg.Server.Port)
	if v := os.Getenv("RISKWATCH_CORS_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	cfg.Detection.Workers = envInt("RISKWATCH_WORKERS", cfg.Detection.Workers)
	cfg.Detection.RunTimeout = envDuration("RISKWATCH_RUN_TIMEOUT", cfg.Detection.RunTimeout)
	cfg.Detection.LockTTL = envDuration("RISKWATCH_LOCK_TTL", cfg.Detection.LockTTL)

	if v := os.Getenv("RISKWATCH_DB_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("RISKWATCH_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	cfg.Repository.PostgresPort = envInt("RISKWATCH_POSTGRES_PORT", cfg.Repository.PostgresPort)
	if v := os.Getenv("RISKWATCH_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("RISKWATCH_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("RISKWATCH_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("RISKWATCH_POSTGRES_SSLMODE"); v != "" {
		cfg.Repository.PostgresSSLMode = v
	}

	if v := os.Getenv("RISKWATCH_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("RISKWATCH_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}

	if v := os.Getenv("RISKWATCH_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("RISKWATCH_NATS_TOKEN"); v != "" {
		cfg.EventBus.NATSToken = v
	}
	cfg.EventBus.RequestTimeout = envDuration("RISKWATCH_BUS_REQUEST_TIMEOUT", cfg.EventBus.RequestTimeout)
}

// splitList parses a comma separated setting, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", v)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration setting", "key", key, "value", v)
		return def
	}
	return d
}
