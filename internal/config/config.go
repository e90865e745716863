// Package config defines the top-level configuration for loopvault and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LOOPVAULT_* environment variables.
type Config struct {
	Mode       string           `toml:"mode" envconfig:"MODE"`
	LogLevel   string           `toml:"log_level" envconfig:"LOG_LEVEL"`
	Wallet     WalletConfig     `toml:"wallet" envconfig:"WALLET"`
	Origin     ChainConfig      `toml:"origin" envconfig:"ORIGIN"`
	Reactive   ChainConfig      `toml:"reactive" envconfig:"REACTIVE"`
	Venue      VenueConfig      `toml:"venue" envconfig:"VENUE"`
	Loop       LoopConfig       `toml:"loop" envconfig:"LOOP"`
	Dispatcher DispatcherConfig `toml:"dispatcher" envconfig:"DISPATCHER"`
	Storage    StorageConfig    `toml:"storage" envconfig:"STORAGE"`
	Supabase   SupabaseConfig   `toml:"supabase" envconfig:"SUPABASE"`
	SQLite     SQLiteConfig     `toml:"sqlite" envconfig:"SQLITE"`
	Redis      RedisConfig      `toml:"redis" envconfig:"REDIS"`
	Bus        BusConfig        `toml:"bus" envconfig:"BUS"`
	S3         S3Config         `toml:"s3" envconfig:"S3"`
	Archive    ArchiveConfig    `toml:"archive" envconfig:"ARCHIVE"`
	Server     ServerConfig     `toml:"server" envconfig:"SERVER"`
	Notify     NotifyConfig     `toml:"notify" envconfig:"NOTIFY"`
}

// WalletConfig holds the operator wallet used to sign venue transactions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key" envconfig:"PRIVATE_KEY"`
	EncryptedKeyPath string `toml:"encrypted_key_path" envconfig:"ENCRYPTED_KEY_PATH"`
	KeyPassword      string `toml:"key_password" envconfig:"KEY_PASSWORD"`
}

// ChainConfig describes one EVM chain the system talks to.
type ChainConfig struct {
	ChainID       int64    `toml:"chain_id" envconfig:"CHAIN_ID"`
	RPCURL        string   `toml:"rpc_url" envconfig:"RPC_URL"`
	WSURL         string   `toml:"ws_url" envconfig:"WS_URL"`
	VaultAddress  string   `toml:"vault_address" envconfig:"VAULT_ADDRESS"`
	StartBlock    uint64   `toml:"start_block" envconfig:"START_BLOCK"`
	PollInterval  Duration `toml:"poll_interval" envconfig:"POLL_INTERVAL"`
	Confirmations uint64   `toml:"confirmations" envconfig:"CONFIRMATIONS"`
	MaxBlockRange uint64   `toml:"max_block_range" envconfig:"MAX_BLOCK_RANGE"`
}

// VenueConfig selects and configures the lending venue and swap router.
type VenueConfig struct {
	// Kind is "sim" (in-process simulation) or "evm" (Aave v3 + Uniswap v3).
	Kind             string   `toml:"kind" envconfig:"KIND"`
	Pool             string   `toml:"pool" envconfig:"POOL"`
	Oracle           string   `toml:"oracle" envconfig:"ORACLE"`
	CollateralAsset  string   `toml:"collateral_asset" envconfig:"COLLATERAL_ASSET"`
	CollateralAToken string   `toml:"collateral_atoken" envconfig:"COLLATERAL_ATOKEN"`
	DebtAsset        string   `toml:"debt_asset" envconfig:"DEBT_ASSET"`
	SwapRouter       string   `toml:"swap_router" envconfig:"SWAP_ROUTER"`
	Quoter           string   `toml:"quoter" envconfig:"QUOTER"`
	FeeTier          uint32   `toml:"fee_tier" envconfig:"FEE_TIER"`
	GasLimit         uint64   `toml:"gas_limit" envconfig:"GAS_LIMIT"`
	TxTimeout        Duration `toml:"tx_timeout" envconfig:"TX_TIMEOUT"`

	SimLiquidationThresholdBps int64 `toml:"sim_liquidation_threshold_bps" envconfig:"SIM_LIQUIDATION_THRESHOLD_BPS"`
	SimSwapFeeBps              int64 `toml:"sim_swap_fee_bps" envconfig:"SIM_SWAP_FEE_BPS"`
}

// LoopConfig holds the immutable loop parameters. Decimal values are strings
// so they survive TOML and env decoding without float rounding.
type LoopConfig struct {
	TargetLTV          int64    `toml:"target_ltv" envconfig:"TARGET_LTV"`
	MaxSlippage        int64    `toml:"max_slippage" envconfig:"MAX_SLIPPAGE"`
	MinLTVDelta        int64    `toml:"min_ltv_delta" envconfig:"MIN_LTV_DELTA"`
	AbsoluteMaxLoops   int      `toml:"absolute_max_loops" envconfig:"ABSOLUTE_MAX_LOOPS"`
	SafeHealthFactor   string   `toml:"safe_health_factor" envconfig:"SAFE_HEALTH_FACTOR"`
	MinBorrowAmount    string   `toml:"min_borrow_amount" envconfig:"MIN_BORROW_AMOUNT"`
	UnwindLTVCeiling   int64    `toml:"unwind_ltv_ceiling" envconfig:"UNWIND_LTV_CEILING"`
	MaxUnwindSteps     int      `toml:"max_unwind_steps" envconfig:"MAX_UNWIND_STEPS"`
	HealthPollInterval Duration `toml:"health_poll_interval" envconfig:"HEALTH_POLL_INTERVAL"`
	LockTTL            Duration `toml:"lock_ttl" envconfig:"LOCK_TTL"`
	LockWait           Duration `toml:"lock_wait" envconfig:"LOCK_WAIT"`

	// StaleAfter fails an in-flight sequence that has had no authorization
	// for this long. Zero disables it.
	StaleAfter Duration `toml:"stale_after" envconfig:"STALE_AFTER"`
}

// DispatcherConfig configures the reactive-side dispatcher and stream consumers.
type DispatcherConfig struct {
	ConfirmationTimeout Duration `toml:"confirmation_timeout" envconfig:"CONFIRMATION_TIMEOUT"`
	SweepInterval       Duration `toml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	DedupTTL            Duration `toml:"dedup_ttl" envconfig:"DEDUP_TTL"`
	BatchSize           int      `toml:"batch_size" envconfig:"BATCH_SIZE"`
	PollInterval        Duration `toml:"poll_interval" envconfig:"POLL_INTERVAL"`
	MaxAttempts         int      `toml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
}

// StorageConfig selects the durable ledger backend.
type StorageConfig struct {
	// Backend is "postgres", "sqlite" or "memory".
	Backend string `toml:"backend" envconfig:"BACKEND"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn" envconfig:"DSN"`
	Host          string `toml:"host" envconfig:"HOST"`
	Port          int    `toml:"port" envconfig:"PORT"`
	Database      string `toml:"database" envconfig:"DATABASE"`
	User          string `toml:"user" envconfig:"USER"`
	Password      string `toml:"password" envconfig:"PASSWORD"`
	SSLMode       string `toml:"ssl_mode" envconfig:"SSL_MODE"`
	PoolMaxConns  int    `toml:"pool_max_conns" envconfig:"POOL_MAX_CONNS"`
	PoolMinConns  int    `toml:"pool_min_conns" envconfig:"POOL_MIN_CONNS"`
	RunMigrations bool   `toml:"run_migrations" envconfig:"RUN_MIGRATIONS"`
}

// SQLiteConfig holds the single-node database file location.
type SQLiteConfig struct {
	Path string `toml:"path" envconfig:"PATH"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	URL        string `toml:"url" envconfig:"URL"`
	Addr       string `toml:"addr" envconfig:"ADDR"`
	Password   string `toml:"password" envconfig:"PASSWORD"`
	DB         int    `toml:"db" envconfig:"DB"`
	PoolSize   int    `toml:"pool_size" envconfig:"POOL_SIZE"`
	MaxRetries int    `toml:"max_retries" envconfig:"MAX_RETRIES"`
	TLSEnabled bool   `toml:"tls_enabled" envconfig:"TLS_ENABLED"`
	KeyPrefix  string `toml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// BusConfig selects the signal bus, lock and cache backend.
type BusConfig struct {
	// Backend is "redis" or "memory".
	Backend      string `toml:"backend" envconfig:"BACKEND"`
	StreamMaxLen int64  `toml:"stream_max_len" envconfig:"STREAM_MAX_LEN"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled" envconfig:"ENABLED"`
	Endpoint       string `toml:"endpoint" envconfig:"ENDPOINT"`
	Region         string `toml:"region" envconfig:"REGION"`
	Bucket         string `toml:"bucket" envconfig:"BUCKET"`
	Prefix         string `toml:"prefix" envconfig:"PREFIX"`
	AccessKey      string `toml:"access_key" envconfig:"ACCESS_KEY"`
	SecretKey      string `toml:"secret_key" envconfig:"SECRET_KEY"`
	UseSSL         bool   `toml:"use_ssl" envconfig:"USE_SSL"`
	ForcePathStyle bool   `toml:"force_path_style" envconfig:"FORCE_PATH_STYLE"`
}

// ArchiveConfig controls history archiving to S3.
type ArchiveConfig struct {
	RetentionDays int    `toml:"retention_days" envconfig:"RETENTION_DAYS"`
	Cron          string `toml:"cron" envconfig:"CRON"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled" envconfig:"ENABLED"`
	Port        int      `toml:"port" envconfig:"PORT"`
	CORSOrigins []string `toml:"cors_origins" envconfig:"CORS_ORIGINS"`
	APIKey      string   `toml:"api_key" envconfig:"API_KEY"`
	RateLimit   int64    `toml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateWindow  Duration `toml:"rate_window" envconfig:"RATE_WINDOW"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID    string   `toml:"telegram_chat_id" envconfig:"TELEGRAM_CHAT_ID"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" envconfig:"DISCORD_WEBHOOK_URL"`
	Events            []string `toml:"events" envconfig:"EVENTS"`
}

// Duration is a wrapper around time.Duration that decodes from strings like
// "5m" or "30s" in both TOML and environment variables.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Origin: ChainConfig{
			ChainID:       11155111,
			PollInterval:  Duration{12 * time.Second},
			Confirmations: 2,
			MaxBlockRange: 2000,
		},
		Reactive: ChainConfig{
			ChainID:       5318008,
			PollInterval:  Duration{5 * time.Second},
			Confirmations: 1,
			MaxBlockRange: 2000,
		},
		Venue: VenueConfig{
			Kind:                       "sim",
			FeeTier:                    3000,
			GasLimit:                   600_000,
			TxTimeout:                  Duration{2 * time.Minute},
			SimLiquidationThresholdBps: 8250,
			SimSwapFeeBps:              30,
		},
		Loop: LoopConfig{
			TargetLTV:          7500,
			MaxSlippage:        100,
			MinLTVDelta:        100,
			AbsoluteMaxLoops:   10,
			SafeHealthFactor:   "1.5",
			MinBorrowAmount:    "1000",
			UnwindLTVCeiling:   8000,
			MaxUnwindSteps:     20,
			HealthPollInterval: Duration{30 * time.Second},
			LockTTL:            Duration{2 * time.Minute},
			LockWait:           Duration{10 * time.Second},
			StaleAfter:         Duration{15 * time.Minute},
		},
		Dispatcher: DispatcherConfig{
			ConfirmationTimeout: Duration{5 * time.Minute},
			SweepInterval:       Duration{15 * time.Second},
			DedupTTL:            Duration{24 * time.Hour},
			BatchSize:           100,
			PollInterval:        Duration{500 * time.Millisecond},
			MaxAttempts:         5,
		},
		Storage: StorageConfig{Backend: "postgres"},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "loopvault.db"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "loopvault:",
		},
		Bus: BusConfig{Backend: "redis", StreamMaxLen: 10000},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "loopvault-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   30,
			RateWindow:  Duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"LoopFailed", "LoopHalted", "UnwindRequested", "UnwindCompleted", "UnwindFailed", "ObservedRisk"},
		},
	}
}

// Modes understood by the application.
const (
	ModeOrigin   = "origin"
	ModeReactive = "reactive"
	ModeFull     = "full"
	ModeSimulate = "simulate"
)

var validModes = map[string]bool{
	ModeOrigin:   true,
	ModeReactive: true,
	ModeFull:     true,
	ModeSimulate: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsOrigin reports whether the mode hosts the ledger, controllers and venue.
func (c *Config) RunsOrigin() bool {
	return c.Mode != ModeReactive
}

// RunsReactive reports whether the mode hosts the dispatcher.
func (c *Config) RunsReactive() bool {
	return c.Mode != ModeOrigin
}

// NeedsSigner reports whether the configured venue signs real transactions.
func (c *Config) NeedsSigner() bool {
	return c.RunsOrigin() && c.Mode != ModeSimulate && c.Venue.Kind == "evm"
}

// LoopParams converts the loop section into validated domain parameters.
func (c *Config) LoopParams() (domain.LoopParams, error) {
	p, err := c.loopParams()
	if err != nil {
		return domain.LoopParams{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.LoopParams{}, fmt.Errorf("loop: %w", err)
	}
	return p, nil
}

func (c *Config) loopParams() (domain.LoopParams, error) {
	safe, err := decimal.NewFromString(c.Loop.SafeHealthFactor)
	if err != nil {
		return domain.LoopParams{}, fmt.Errorf("loop: safe_health_factor %q: %w", c.Loop.SafeHealthFactor, err)
	}
	minBorrow, err := decimal.NewFromString(c.Loop.MinBorrowAmount)
	if err != nil {
		return domain.LoopParams{}, fmt.Errorf("loop: min_borrow_amount %q: %w", c.Loop.MinBorrowAmount, err)
	}
	return domain.LoopParams{
		TargetLTV:        c.Loop.TargetLTV,
		MaxSlippage:      c.Loop.MaxSlippage,
		MinLTVDelta:      c.Loop.MinLTVDelta,
		AbsoluteMaxLoops: c.Loop.AbsoluteMaxLoops,
		SafeHealthFactor: safe,
		MinBorrowAmount:  minBorrow,
		UnwindLTVCeiling: c.Loop.UnwindLTVCeiling,
		MaxUnwindSteps:   c.Loop.MaxUnwindSteps,
	}, nil
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: origin, reactive, full, simulate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if p, err := c.loopParams(); err != nil {
		errs = append(errs, err.Error())
	} else if err := p.Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			errs = append(errs, "loop: "+line)
		}
	}
	if c.Loop.HealthPollInterval.Duration < 0 {
		errs = append(errs, "loop: health_poll_interval must not be negative")
	}
	if d := c.Loop.StaleAfter.Duration; d < 0 {
		errs = append(errs, "loop: stale_after must not be negative")
	} else if d > 0 && d <= c.Dispatcher.ConfirmationTimeout.Duration {
		errs = append(errs, "loop: stale_after must exceed dispatcher.confirmation_timeout")
	}

	if c.NeedsSigner() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for the evm venue")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Origin.RPCURL == "" {
			errs = append(errs, "origin: rpc_url must be set for the evm venue")
		}
		for name, addr := range map[string]string{
			"pool":              c.Venue.Pool,
			"oracle":            c.Venue.Oracle,
			"collateral_asset":  c.Venue.CollateralAsset,
			"collateral_atoken": c.Venue.CollateralAToken,
			"debt_asset":        c.Venue.DebtAsset,
			"swap_router":       c.Venue.SwapRouter,
			"quoter":            c.Venue.Quoter,
		} {
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("venue: %s must be a hex address, got %q", name, addr))
			}
		}
	}
	switch c.Venue.Kind {
	case "sim":
		if c.Venue.SimLiquidationThresholdBps <= c.Loop.TargetLTV || c.Venue.SimLiquidationThresholdBps >= domain.BpsDenominator {
			errs = append(errs, "venue: sim_liquidation_threshold_bps must be in (target_ltv, 10000)")
		}
	case "evm":
	default:
		errs = append(errs, fmt.Sprintf("venue: unknown kind %q (valid: sim, evm)", c.Venue.Kind))
	}

	if c.Origin.VaultAddress != "" && !common.IsHexAddress(c.Origin.VaultAddress) {
		errs = append(errs, fmt.Sprintf("origin: vault_address must be a hex address, got %q", c.Origin.VaultAddress))
	}
	if c.Origin.VaultAddress != "" && c.Origin.RPCURL == "" {
		errs = append(errs, "origin: rpc_url is required when vault_address is set")
	}
	if c.Origin.ChainID <= 0 || c.Reactive.ChainID <= 0 {
		errs = append(errs, "origin/reactive: chain_id must be positive")
	}

	if c.Dispatcher.ConfirmationTimeout.Duration <= 0 {
		errs = append(errs, "dispatcher: confirmation_timeout must be > 0")
	}
	if c.Dispatcher.SweepInterval.Duration <= 0 {
		errs = append(errs, "dispatcher: sweep_interval must be > 0")
	}

	switch c.Storage.Backend {
	case "postgres":
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, sqlite, memory)", c.Storage.Backend))
	}

	switch c.Bus.Backend {
	case "redis":
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			errs = append(errs, "redis: url or addr must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	case "memory":
		if c.Mode == ModeOrigin || c.Mode == ModeReactive {
			errs = append(errs, fmt.Sprintf("bus: memory backend cannot connect separate %s and peer processes", c.Mode))
		}
	default:
		errs = append(errs, fmt.Sprintf("bus: unknown backend %q (valid: redis, memory)", c.Bus.Backend))
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
