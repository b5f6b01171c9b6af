package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges an optional TOML file at path on top of Defaults, loads a
// .env file if present and applies BETCH_* overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "BETCH_LOG_LEVEL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BETCH_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "BETCH_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "BETCH_POSTGRES_MAX_IDLE_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "BETCH_MIGRATIONS_DIR")
	setBool(&cfg.Postgres.RunMigrations, "BETCH_RUN_MIGRATIONS")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "BETCH_NATS_URL")
	setDuration(&cfg.NATS.RequestTimeout, "BETCH_NATS_REQUEST_TIMEOUT")

	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "BETCH_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "BETCH_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "BETCH_METRICS_ADDR")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.PersistChanSize, "BETCH_PERSIST_CHAN_SIZE")
	setInt(&cfg.Pipeline.ProjectionChanSize, "BETCH_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Pipeline.PersistBatchSize, "BETCH_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Pipeline.PersistFlushTimeout, "BETCH_PERSIST_FLUSH_TIMEOUT")
	setInt(&cfg.Pipeline.DedupLRUCapacity, "BETCH_DEDUP_LRU_CAPACITY")

	// ── Settlement ──
	setStringSlice(&cfg.Settlement.SignerKeys, "BETCH_SIGNER_KEYS")
	setInt(&cfg.Settlement.Quorum, "BETCH_SIGNER_QUORUM")
	setDuration(&cfg.Settlement.SigningTimeout, "BETCH_SIGNING_TIMEOUT")
	setInt(&cfg.Settlement.MaxAttempts, "BETCH_SUBMIT_MAX_ATTEMPTS")
	setDuration(&cfg.Settlement.SweepInterval, "BETCH_SWEEP_INTERVAL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BETCH_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "BETCH_REDIS_URL")
	setStr(&cfg.Redis.Addr, "BETCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BETCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BETCH_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "BETCH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BETCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BETCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BETCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "BETCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BETCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BETCH_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "BETCH_S3_FORCE_PATH_STYLE")
}

// Typed env helpers. Each only mutates the target when the variable is set
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
