package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, reads .env when present
// and applies MCD_* overrides. An empty path skips the file. The result is
// not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and endpoints without
// editing the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Wallet.PrivateKey, "MCD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.KeyFile, "MCD_WALLET_KEY_FILE")
	setStr(&cfg.Wallet.KeyPassword, "MCD_WALLET_KEY_PASSWORD")

	setStr(&cfg.Chain.RPCURL, "MCD_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "MCD_CHAIN_CHAIN_ID")
	setUint64(&cfg.Chain.Confirmations, "MCD_CHAIN_CONFIRMATIONS")
	setDuration(&cfg.Chain.PollInterval, "MCD_CHAIN_POLL_INTERVAL")
	setFloat64(&cfg.Chain.RPCRateLimit, "MCD_CHAIN_RPC_RATE_LIMIT")
	setInt(&cfg.Chain.RPCBurst, "MCD_CHAIN_RPC_BURST")
	setFloat64(&cfg.Chain.GasMultiplier, "MCD_CHAIN_GAS_MULTIPLIER")

	setStr(&cfg.Contracts.AddressBook, "MCD_CONTRACTS_ADDRESS_BOOK")
	setInt(&cfg.Manager.DebtConcurrency, "MCD_MANAGER_DEBT_CONCURRENCY")

	setStr(&cfg.Query.URL, "MCD_QUERY_URL")
	setStr(&cfg.Query.APIKey, "MCD_QUERY_API_KEY")
	setInt(&cfg.Query.RateLimit, "MCD_QUERY_RATE_LIMIT")

	setBool(&cfg.Database.Enabled, "MCD_DATABASE_ENABLED")
	setStr(&cfg.Database.DSN, "MCD_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // common PaaS alias
	setStr(&cfg.Database.Host, "MCD_DATABASE_HOST")
	setInt(&cfg.Database.Port, "MCD_DATABASE_PORT")
	setStr(&cfg.Database.Database, "MCD_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "MCD_DATABASE_USER")
	setStr(&cfg.Database.Password, "MCD_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "MCD_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "MCD_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "MCD_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "MCD_DATABASE_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "MCD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MCD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MCD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MCD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MCD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "MCD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.HistoryTTL, "MCD_REDIS_HISTORY_TTL")

	setBool(&cfg.S3.Enabled, "MCD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MCD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MCD_S3_REGION")
	setStr(&cfg.S3.Bucket, "MCD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MCD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MCD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MCD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MCD_S3_FORCE_PATH_STYLE")

	setStr(&cfg.Server.Host, "MCD_SERVER_HOST")
	setInt(&cfg.Server.Port, "MCD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MCD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MCD_SERVER_API_KEY")
	setStr(&cfg.Server.HMACKey, "MCD_SERVER_HMAC_KEY")
	setStr(&cfg.Server.HMACSecret, "MCD_SERVER_HMAC_SECRET")
	setInt(&cfg.Server.RateLimit, "MCD_SERVER_RATE_LIMIT")

	setStr(&cfg.Notify.TelegramToken, "MCD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MCD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MCD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MCD_NOTIFY_EVENTS")

	setInt(&cfg.Archive.RetentionDays, "MCD_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "MCD_ARCHIVE_INTERVAL")

	setStr(&cfg.Mode, "MCD_MODE")
	setStr(&cfg.LogLevel, "MCD_LOG_LEVEL")
}

// The set* helpers change dst only when key is set and parses.

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
