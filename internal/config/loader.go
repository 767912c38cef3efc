package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LOOPBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// A missing file is fine; env-only deployments configure everything
	// through LOOPBOT_* variables.
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LOOPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// Wallet
	setStr(&cfg.Wallet.PrivateKey, "LOOPBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "LOOPBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "LOOPBOT_WALLET_KEY_PASSWORD")

	// Chain
	setStr(&cfg.Chain.RPCURL, "LOOPBOT_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "LOOPBOT_CHAIN_ID")
	setStr(&cfg.Chain.PoolAddress, "LOOPBOT_CHAIN_POOL_ADDRESS")
	setStr(&cfg.Chain.RouterAddress, "LOOPBOT_CHAIN_ROUTER_ADDRESS")
	setStr(&cfg.Chain.OracleAddress, "LOOPBOT_CHAIN_ORACLE_ADDRESS")
	setDuration(&cfg.Chain.MineTimeout, "LOOPBOT_CHAIN_MINE_TIMEOUT")

	// Leverage
	setInt(&cfg.Leverage.MaxIterations, "LOOPBOT_LEVERAGE_MAX_ITERATIONS")
	setUint64(&cfg.Leverage.BorrowHaircutBps, "LOOPBOT_LEVERAGE_BORROW_HAIRCUT_BPS")
	setUint64(&cfg.Leverage.SlippageBps, "LOOPBOT_LEVERAGE_SLIPPAGE_BPS")
	setDuration(&cfg.Leverage.SwapDeadline, "LOOPBOT_LEVERAGE_SWAP_DEADLINE")
	setDuration(&cfg.Leverage.PriceCacheTTL, "LOOPBOT_LEVERAGE_PRICE_CACHE_TTL")

	// Database
	setStr(&cfg.Database.DSN, "LOOPBOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "LOOPBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "LOOPBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "LOOPBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "LOOPBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "LOOPBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "LOOPBOT_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "LOOPBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "LOOPBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "LOOPBOT_DATABASE_RUN_MIGRATIONS")

	// Redis
	setBool(&cfg.Redis.Enabled, "LOOPBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LOOPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LOOPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LOOPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LOOPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LOOPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LOOPBOT_REDIS_TLS_ENABLED")

	// S3
	setStr(&cfg.S3.Endpoint, "LOOPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LOOPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "LOOPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LOOPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LOOPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LOOPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LOOPBOT_S3_FORCE_PATH_STYLE")

	// Archive
	setBool(&cfg.Archive.Enabled, "LOOPBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LOOPBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "LOOPBOT_ARCHIVE_INTERVAL")

	// Server
	setInt(&cfg.Server.Port, "LOOPBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LOOPBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LOOPBOT_SERVER_API_KEY")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "LOOPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LOOPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LOOPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LOOPBOT_NOTIFY_EVENTS")

	// Top level
	setStr(&cfg.Mode, "LOOPBOT_MODE")
	setStr(&cfg.LogLevel, "LOOPBOT_LOG_LEVEL")
}

// setStr overwrites dst when the environment variable is set and non-empty.
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}
