package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("output: plain\nretries: 1\nrate_limit:\n  max_requests: 10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SWAPVAULT_OUTPUT", "json")
	t.Setenv("SWAPVAULT_RATE_LIMIT_MAX", "12")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.RateLimitMax != 12 {
		t.Fatalf("expected env to override file rate limit, got %d", settings.RateLimitMax)
	}
}

func TestLoadDefaults(t *testing.T) {
	settings, err := Load(GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"), Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.RateLimitMax != 30 || settings.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %d/%s", settings.RateLimitMax, settings.RateLimitWindow)
	}
	if settings.QuoteTTL != 60*time.Second {
		t.Fatalf("unexpected quote ttl: %s", settings.QuoteTTL)
	}
	if settings.SlippageBps != 100 {
		t.Fatalf("unexpected slippage: %d", settings.SlippageBps)
	}
	if settings.RunExpiry != 0 {
		t.Fatalf("expected no run expiry by default, got %s", settings.RunExpiry)
	}
	if settings.StoreDriver != StoreDriverSQLite {
		t.Fatalf("unexpected store driver: %s", settings.StoreDriver)
	}
}

func TestLoadEnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	tmp := t.TempDir()
	envPath := filepath.Join(tmp, "test.env")
	content := "SWAPVAULT_RPC_URL=http://from-file\nSWAPVAULT_LISTEN=:9999\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SWAPVAULT_RPC_URL", "http://from-env")
	t.Cleanup(func() { _ = os.Unsetenv("SWAPVAULT_LISTEN") })

	settings, err := Load(GlobalFlags{ConfigPath: filepath.Join(tmp, "missing.yaml"), EnvFile: envPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.RPCURL != "http://from-env" {
		t.Fatalf("expected process env to win, got %s", settings.RPCURL)
	}
	if settings.ListenAddr != ":9999" {
		t.Fatalf("expected listen address from env file, got %s", settings.ListenAddr)
	}
}

func TestLoadRejectsUnknownStoreDriver(t *testing.T) {
	t.Setenv("SWAPVAULT_STORE_DRIVER", "mongo")
	if _, err := Load(GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatal("expected store driver error")
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	_, err := Load(GlobalFlags{JSON: true, Plain: true})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestValidateServe(t *testing.T) {
	good := Settings{
		MasterKey:   strings.Repeat("ab", 32),
		JWTSecret:   "secret",
		StoreDriver: StoreDriverSQLite,
		ListenAddr:  ":8080",
	}
	if err := ValidateServe(good); err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}

	cases := map[string]func(s *Settings){
		"missing master key": func(s *Settings) { s.MasterKey = "" },
		"short master key":   func(s *Settings) { s.MasterKey = "abcd" },
		"missing jwt secret": func(s *Settings) { s.JWTSecret = "" },
		"postgres no dsn":    func(s *Settings) { s.StoreDriver = StoreDriverPostgres },
	}
	for name, mutate := range cases {
		s := good
		mutate(&s)
		err := ValidateServe(s)
		if !clierr.Is(err, clierr.CodeConfig) {
			t.Fatalf("%s: expected config error, got %v", name, err)
		}
	}
}
