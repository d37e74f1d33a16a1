package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/vault"
)

const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"

	DefaultRPCURL = "https://api.mainnet-beta.solana.com"
)

type GlobalFlags struct {
	ConfigPath     string
	EnvFile        string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	Identity       string
	DisplayName    string
	ChatID         string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int
	MaxStale       time.Duration
	NoStale        bool
	CacheEnabled   bool
	CachePath      string
	CacheLockPath  string

	RunStorePath    string
	RunLockPath     string
	WalletStorePath string
	WalletLockPath  string
	StoreDriver     string
	PostgresDSN     string
	RedisURL        string

	MasterKey      string
	RPCURL         string
	JupiterBaseURL string
	JupiterAPIKey  string

	SlippageBps         int
	QuoteTTL            time.Duration
	RunExpiry           time.Duration
	RunRetention        time.Duration
	MaxPasscodeAttempts int
	PollInterval        time.Duration
	ConfirmTimeout      time.Duration

	RateLimitWindow time.Duration
	RateLimitMax    int

	ListenAddr string
	JWTSecret  string
	LogLevel   string
	LogFormat  string

	IdentityID  string
	DisplayName string
	ChatID      string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Store struct {
		Driver         string `yaml:"driver"`
		RunsPath       string `yaml:"runs_path"`
		RunsLockPath   string `yaml:"runs_lock_path"`
		WalletPath     string `yaml:"wallet_path"`
		WalletLockPath string `yaml:"wallet_lock_path"`
		PostgresDSN    string `yaml:"postgres_dsn"`
		PostgresDSNEnv string `yaml:"postgres_dsn_env"`
		RedisURL       string `yaml:"redis_url"`
	} `yaml:"store"`
	Vault struct {
		MasterKeyEnv string `yaml:"master_key_env"`
	} `yaml:"vault"`
	Ledger struct {
		RPCURL         string `yaml:"rpc_url"`
		PollInterval   string `yaml:"poll_interval"`
		ConfirmTimeout string `yaml:"confirm_timeout"`
	} `yaml:"ledger"`
	Jupiter struct {
		BaseURL   string `yaml:"base_url"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"jupiter"`
	Execution struct {
		SlippageBps         *int   `yaml:"slippage_bps"`
		QuoteTTL            string `yaml:"quote_ttl"`
		RunExpiry           string `yaml:"run_expiry"`
		RunRetention        string `yaml:"run_retention"`
		MaxPasscodeAttempts *int   `yaml:"max_passcode_attempts"`
	} `yaml:"execution"`
	RateLimit struct {
		Window      string `yaml:"window"`
		MaxRequests *int   `yaml:"max_requests"`
	} `yaml:"rate_limit"`
	Server struct {
		Listen       string `yaml:"listen"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := loadEnvFile(flags.EnvFile); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.SlippageBps <= 0 || settings.SlippageBps > 10_000 {
		return Settings{}, fmt.Errorf("slippage bps must be between 1 and 10000")
	}
	if settings.RateLimitMax <= 0 {
		settings.RateLimitMax = 30
	}
	if settings.RateLimitWindow <= 0 {
		settings.RateLimitWindow = time.Minute
	}
	if settings.MaxPasscodeAttempts <= 0 {
		settings.MaxPasscodeAttempts = 5
	}
	switch settings.StoreDriver {
	case StoreDriverSQLite, StoreDriverPostgres:
	default:
		return Settings{}, fmt.Errorf("store driver must be sqlite or postgres")
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:          "json",
		Timeout:             10 * time.Second,
		Retries:             2,
		MaxStale:            5 * time.Minute,
		CacheEnabled:        true,
		CachePath:           cachePath,
		CacheLockPath:       lockPath,
		RunStorePath:        filepath.Join(dataDir, "runs.db"),
		RunLockPath:         filepath.Join(dataDir, "runs.lock"),
		WalletStorePath:     filepath.Join(dataDir, "wallets.db"),
		WalletLockPath:      filepath.Join(dataDir, "wallets.lock"),
		StoreDriver:         StoreDriverSQLite,
		RPCURL:              DefaultRPCURL,
		SlippageBps:         100,
		QuoteTTL:            60 * time.Second,
		RunRetention:        7 * 24 * time.Hour,
		MaxPasscodeAttempts: 5,
		PollInterval:        2 * time.Second,
		ConfirmTimeout:      90 * time.Second,
		RateLimitWindow:     60 * time.Second,
		RateLimitMax:        30,
		ListenAddr:          ":8080",
		LogLevel:            "info",
		LogFormat:           "json",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "swapvault", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "swapvault")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "swapvault"), nil
}

// loadEnvFile populates the process environment from a dotenv file without
// overriding variables that are already set.
func loadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("parse env file: %w", err)
	}
	return nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := parseDurationInto("timeout", cfg.Timeout, &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if err := parseDurationInto("cache.max_stale", cfg.Cache.MaxStale, &settings.MaxStale); err != nil {
		return err
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}

	if cfg.Store.Driver != "" {
		settings.StoreDriver = strings.ToLower(cfg.Store.Driver)
	}
	if cfg.Store.RunsPath != "" {
		settings.RunStorePath = cfg.Store.RunsPath
	}
	if cfg.Store.RunsLockPath != "" {
		settings.RunLockPath = cfg.Store.RunsLockPath
	}
	if cfg.Store.WalletPath != "" {
		settings.WalletStorePath = cfg.Store.WalletPath
	}
	if cfg.Store.WalletLockPath != "" {
		settings.WalletLockPath = cfg.Store.WalletLockPath
	}
	if cfg.Store.PostgresDSN != "" {
		settings.PostgresDSN = cfg.Store.PostgresDSN
	}
	if cfg.Store.PostgresDSNEnv != "" {
		settings.PostgresDSN = os.Getenv(cfg.Store.PostgresDSNEnv)
	}
	if cfg.Store.RedisURL != "" {
		settings.RedisURL = cfg.Store.RedisURL
	}

	// The master key is never read from the YAML file itself.
	if cfg.Vault.MasterKeyEnv != "" {
		settings.MasterKey = os.Getenv(cfg.Vault.MasterKeyEnv)
	}

	if cfg.Ledger.RPCURL != "" {
		settings.RPCURL = cfg.Ledger.RPCURL
	}
	if err := parseDurationInto("ledger.poll_interval", cfg.Ledger.PollInterval, &settings.PollInterval); err != nil {
		return err
	}
	if err := parseDurationInto("ledger.confirm_timeout", cfg.Ledger.ConfirmTimeout, &settings.ConfirmTimeout); err != nil {
		return err
	}

	if cfg.Jupiter.BaseURL != "" {
		settings.JupiterBaseURL = cfg.Jupiter.BaseURL
	}
	if cfg.Jupiter.APIKey != "" {
		settings.JupiterAPIKey = cfg.Jupiter.APIKey
	}
	if cfg.Jupiter.APIKeyEnv != "" {
		settings.JupiterAPIKey = os.Getenv(cfg.Jupiter.APIKeyEnv)
	}

	if cfg.Execution.SlippageBps != nil {
		settings.SlippageBps = *cfg.Execution.SlippageBps
	}
	if err := parseDurationInto("execution.quote_ttl", cfg.Execution.QuoteTTL, &settings.QuoteTTL); err != nil {
		return err
	}
	if err := parseDurationInto("execution.run_expiry", cfg.Execution.RunExpiry, &settings.RunExpiry); err != nil {
		return err
	}
	if err := parseDurationInto("execution.run_retention", cfg.Execution.RunRetention, &settings.RunRetention); err != nil {
		return err
	}
	if cfg.Execution.MaxPasscodeAttempts != nil {
		settings.MaxPasscodeAttempts = *cfg.Execution.MaxPasscodeAttempts
	}

	if err := parseDurationInto("rate_limit.window", cfg.RateLimit.Window, &settings.RateLimitWindow); err != nil {
		return err
	}
	if cfg.RateLimit.MaxRequests != nil {
		settings.RateLimitMax = *cfg.RateLimit.MaxRequests
	}

	if cfg.Server.Listen != "" {
		settings.ListenAddr = cfg.Server.Listen
	}
	if cfg.Server.JWTSecretEnv != "" {
		settings.JWTSecret = os.Getenv(cfg.Server.JWTSecretEnv)
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}

	return nil
}

func parseDurationInto(field, raw string, dst *time.Duration) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", field, err)
	}
	*dst = d
	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv("SWAPVAULT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPVAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("SWAPVAULT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("SWAPVAULT_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("SWAPVAULT_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("SWAPVAULT_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("SWAPVAULT_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("SWAPVAULT_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("SWAPVAULT_RUNS_PATH"); v != "" {
		settings.RunStorePath = v
	}
	if v := os.Getenv("SWAPVAULT_RUNS_LOCK_PATH"); v != "" {
		settings.RunLockPath = v
	}
	if v := os.Getenv("SWAPVAULT_WALLETS_PATH"); v != "" {
		settings.WalletStorePath = v
	}
	if v := os.Getenv("SWAPVAULT_WALLETS_LOCK_PATH"); v != "" {
		settings.WalletLockPath = v
	}
	if v := os.Getenv("SWAPVAULT_STORE_DRIVER"); v != "" {
		settings.StoreDriver = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPVAULT_POSTGRES_DSN"); v != "" {
		settings.PostgresDSN = v
	}
	if v := os.Getenv("SWAPVAULT_REDIS_URL"); v != "" {
		settings.RedisURL = v
	}
	if v := os.Getenv("SWAPVAULT_MASTER_KEY"); v != "" {
		settings.MasterKey = v
	}
	if v := os.Getenv("SWAPVAULT_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("SWAPVAULT_JUPITER_BASE_URL"); v != "" {
		settings.JupiterBaseURL = v
	}
	if v := os.Getenv("SWAPVAULT_JUPITER_API_KEY"); v != "" {
		settings.JupiterAPIKey = v
	}
	if v := os.Getenv("SWAPVAULT_SLIPPAGE_BPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWAPVAULT_SLIPPAGE_BPS: %w", err)
		}
		settings.SlippageBps = n
	}
	if v := os.Getenv("SWAPVAULT_QUOTE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.QuoteTTL = d
		}
	}
	if v := os.Getenv("SWAPVAULT_RUN_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.RunExpiry = d
		}
	}
	if v := os.Getenv("SWAPVAULT_RUN_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.RunRetention = d
		}
	}
	if v := os.Getenv("SWAPVAULT_MAX_PASSCODE_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.MaxPasscodeAttempts = n
		}
	}
	if v := os.Getenv("SWAPVAULT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("SWAPVAULT_CONFIRM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ConfirmTimeout = d
		}
	}
	if v := os.Getenv("SWAPVAULT_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.RateLimitWindow = d
		}
	}
	if v := os.Getenv("SWAPVAULT_RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.RateLimitMax = n
		}
	}
	if v := os.Getenv("SWAPVAULT_LISTEN"); v != "" {
		settings.ListenAddr = v
	}
	if v := os.Getenv("SWAPVAULT_JWT_SECRET"); v != "" {
		settings.JWTSecret = v
	}
	if v := os.Getenv("SWAPVAULT_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPVAULT_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPVAULT_IDENTITY"); v != "" {
		settings.IdentityID = v
	}
	if v := os.Getenv("SWAPVAULT_DISPLAY_NAME"); v != "" {
		settings.DisplayName = v
	}
	if v := os.Getenv("SWAPVAULT_CHAT_ID"); v != "" {
		settings.ChatID = v
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if v := strings.TrimSpace(flags.Identity); v != "" {
		settings.IdentityID = v
	}
	if v := strings.TrimSpace(flags.DisplayName); v != "" {
		settings.DisplayName = v
	}
	if v := strings.TrimSpace(flags.ChatID); v != "" {
		settings.ChatID = v
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if f := strings.TrimSpace(part); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ValidateServe checks the settings the long-running service cannot start
// without. The master key is parsed here so a bad key fails at startup
// rather than on the first wallet operation.
func ValidateServe(settings Settings) error {
	if strings.TrimSpace(settings.MasterKey) == "" {
		return clierr.New(clierr.CodeConfig, "SWAPVAULT_MASTER_KEY is required")
	}
	if _, err := vault.ParseMasterKey(settings.MasterKey); err != nil {
		return err
	}
	if strings.TrimSpace(settings.JWTSecret) == "" {
		return clierr.New(clierr.CodeConfig, "SWAPVAULT_JWT_SECRET is required to serve")
	}
	if settings.StoreDriver == StoreDriverPostgres && strings.TrimSpace(settings.PostgresDSN) == "" {
		return clierr.New(clierr.CodeConfig, "postgres store driver requires SWAPVAULT_POSTGRES_DSN")
	}
	if strings.TrimSpace(settings.ListenAddr) == "" {
		return clierr.New(clierr.CodeConfig, "listen address is required")
	}
	return nil
}
