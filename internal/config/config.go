// Package config defines the mcdctl configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by MCD_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Chain     ChainConfig     `toml:"chain"`
	Contracts ContractsConfig `toml:"contracts"`
	CdpTypes  []CdpTypeConfig `toml:"cdp_types"`
	Manager   ManagerConfig   `toml:"manager"`
	Query     QueryConfig     `toml:"query"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Archive   ArchiveConfig   `toml:"archive"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig selects the signing key: a raw hex key, or a key file
// written by "mcdctl encrypt-key" plus its password.
type WalletConfig struct {
	PrivateKey  string `toml:"private_key"`
	KeyFile     string `toml:"key_file"`
	KeyPassword string `toml:"key_password"`
}

type ChainConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	ChainID       int64    `toml:"chain_id"`
	Confirmations uint64   `toml:"confirmations"`
	PollInterval  duration `toml:"poll_interval"`
	RPCRateLimit  float64  `toml:"rpc_rate_limit"`
	RPCBurst      int      `toml:"rpc_burst"`
	GasMultiplier float64  `toml:"gas_multiplier"`
}

// ContractsConfig locates the contract address book. Entries in Addresses
// win over the file.
type ContractsConfig struct {
	AddressBook string            `toml:"address_book"`
	Addresses   map[string]string `toml:"addresses"`
}

// CdpTypeConfig is one [[cdp_types]] table.
type CdpTypeConfig struct {
	Ilk      string `toml:"ilk"`
	Currency string `toml:"currency"`
	Decimals int    `toml:"decimals"`
	Kind     string `toml:"kind"`
	Join     string `toml:"join"`
	Token    string `toml:"token"`
}

// ManagerConfig tunes the position manager.
type ManagerConfig struct {
	DebtConcurrency int `toml:"debt_concurrency"`
}

// QueryConfig points at the GraphQL event-history service.
type QueryConfig struct {
	URL        string   `toml:"url"`
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

type DatabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	HistoryTTL duration `toml:"history_ttl"`
}

type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration decodes TOML strings such as "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig configures the HTTP API. APIKey guards every /api route;
// HMACKey and HMACSecret additionally require signed mutating requests.
type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	HMACKey     string   `toml:"hmac_key"`
	HMACSecret  string   `toml:"hmac_secret"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig controls exporting old operations to S3.
type ArchiveConfig struct {
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// Defaults mirrors config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:        "http://localhost:8545",
			ChainID:       1,
			Confirmations: 1,
			PollInterval:  duration{2 * time.Second},
			RPCRateLimit:  20,
			RPCBurst:      10,
			GasMultiplier: 1.2,
		},
		Manager: ManagerConfig{DebtConcurrency: 8},
		Query: QueryConfig{
			RateLimit:  5,
			RateWindow: duration{time.Second},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "mcd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			HistoryTTL: duration{2 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "mcd-journal",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"tx_failed"},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// Modes are the commands mcdctl runs; Mode picks one when no command is
// given on the command line.
var Modes = []string{
	"serve", "proxy", "open", "open-lock-draw", "list", "cdp",
	"debt", "history", "free", "archive", "encrypt-key",
}

// walletlessModes run without a signing key.
var walletlessModes = map[string]bool{"archive": true, "encrypt-key": true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validKinds = map[string]bool{
	string(domain.KindNative):   true,
	string(domain.KindStandard): true,
	string(domain.KindBridged):  true,
}

func validMode(m string) bool {
	for _, v := range Modes {
		if v == m {
			return true
		}
	}
	return false
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if !validMode(mode) {
		add("unknown mode %q (valid: %s)", c.Mode, strings.Join(Modes, ", "))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if !walletlessModes[mode] {
		if c.Wallet.PrivateKey == "" && c.Wallet.KeyFile == "" {
			add("wallet: either private_key or key_file must be set for mode %s", c.Mode)
		}
		if c.Wallet.KeyFile != "" && c.Wallet.KeyPassword == "" {
			add("wallet: key_password is required when key_file is set")
		}
		if c.Chain.RPCURL == "" {
			add("chain: rpc_url must not be empty")
		}
	}
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	if c.Chain.GasMultiplier != 0 && c.Chain.GasMultiplier < 1 {
		add("chain: gas_multiplier must be >= 1, got %g", c.Chain.GasMultiplier)
	}

	for name, addr := range c.Contracts.Addresses {
		if !common.IsHexAddress(addr) {
			add("contracts: %s is not a hex address: %q", name, addr)
		}
	}
	seen := make(map[string]bool, len(c.CdpTypes))
	for i, t := range c.CdpTypes {
		switch {
		case t.Ilk == "":
			add("cdp_types[%d]: ilk must not be empty", i)
		case seen[t.Ilk]:
			add("cdp_types[%d]: duplicate ilk %s", i, t.Ilk)
		}
		seen[t.Ilk] = true
		if !validKinds[t.Kind] {
			add("cdp_types[%d]: kind must be native, standard or bridged, got %q", i, t.Kind)
		}
		if t.Kind != string(domain.KindNative) && t.Token == "" {
			add("cdp_types[%d]: %s collateral needs a token", i, t.Kind)
		}
	}
	if c.Manager.DebtConcurrency < 1 {
		add("manager: debt_concurrency must be >= 1")
	}

	if c.Database.Enabled {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				add("database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				add("database: port must be 1-65535, got %d", c.Database.Port)
			}
		}
		if c.Database.PoolMaxConns < 1 {
			add("database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			add("database: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}
	if mode == "archive" {
		if !c.Database.Enabled || !c.S3.Enabled {
			add("archive: database and s3 must both be enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if (c.Server.HMACKey == "") != (c.Server.HMACSecret == "") {
		add("server: hmac_key and hmac_secret must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
