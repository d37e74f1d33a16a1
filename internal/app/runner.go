package app

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapvault/internal/cache"
	"github.com/ggonzalez94/swapvault/internal/config"
	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/logging"
	"github.com/ggonzalez94/swapvault/internal/model"
	"github.com/ggonzalez94/swapvault/internal/out"
	"github.com/ggonzalez94/swapvault/internal/policy"
	"github.com/ggonzalez94/swapvault/internal/schema"
	"github.com/ggonzalez94/swapvault/internal/version"
)

type Runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithIO(os.Stdin, os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return NewRunnerWithIO(os.Stdin, stdout, stderr)
}

func NewRunnerWithIO(stdin io.Reader, stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	log      zerolog.Logger
	cache    *cache.Store
	svc      *services
	root     *cobra.Command

	passcodeStdin bool
	stdinLines    *bufio.Reader

	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	// lastData is attached to the error envelope when a failing command
	// still has state to report, such as a run that was not resumed.
	lastData any
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, log: logging.Nop()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetIn(r.stdin)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}
	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.svc != nil {
		s.svc.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Custodial wallet and passcode-gated swap execution for chat users",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "load configuration", err)
			}
			s.settings = settings
			path := trimRootPath(cmd.CommandPath())
			s.log = logging.New(s.runner.stderr, commandLogLevel(path, settings.LogLevel), settings.LogFormat)

			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths or groups (comma-separated)")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Upstream request timeout")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per upstream request")
	pf.StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	pf.BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	pf.BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.EnvFile, "env-file", "", "Path to a dotenv file (default ./.env when present)")
	pf.StringVar(&s.flags.Identity, "identity", "", "Identity the command acts for")
	pf.StringVar(&s.flags.DisplayName, "display-name", "", "Display name of the acting identity")
	pf.StringVar(&s.flags.ChatID, "chat-id", "", "Chat the request originated from")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newWalletCommand())
	cmd.AddCommand(s.newTradeCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(s.newKeygenCommand())
	cmd.AddCommand(s.newTokenCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = io.WriteString(cmd.OutOrStdout(), version.Long()+"\n")
				return
			}
			_, _ = io.WriteString(cmd.OutOrStdout(), version.CLIVersion+"\n")
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
}

type fetchFn func(ctx context.Context) (data any, providerStatus []model.ProviderStatus, warnings []string, err error)

// runCachedCommand serves read-only previews through the TTL cache, falling
// back to a stale entry within the max-stale budget when the upstream is
// unavailable or rate limited.
func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(ctx, key, s.settings.MaxStale)
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			var data any
			if err := json.Unmarshal(cached.Value, &data); err == nil {
				if !cached.Stale {
					return s.emitSuccess(commandPath, data, warnings, entryStatus, nil)
				}
				staleData = data
				staleAvailable = true
				staleObservedAge = cached.Age
				staleObservedAt = time.Now()
				staleCacheStatus = entryStatus
			}
		}
	}

	data, providerStatus, providerWarnings, err := fetch(ctx)
	warnings = append(warnings, providerWarnings...)
	s.captureCommandDiagnostics(warnings, providerStatus)
	if err != nil {
		if !staleAvailable || !staleFallbackAllowed(err) {
			return err
		}
		currentStaleAge := staleObservedAge + time.Since(staleObservedAt)
		staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
		if s.settings.NoStale {
			return clierr.Wrap(clierr.CodeStale, "fresh quote fetch failed and stale fallback is disabled (--no-stale)", err)
		}
		if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
			return clierr.Wrap(clierr.CodeStale, "fresh quote fetch failed and cached data exceeded stale budget", err)
		}
		warnings = append(warnings, "quote fetch failed; serving stale data within max-stale budget")
		s.captureCommandDiagnostics(warnings, providerStatus)
		return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus, providerStatus)
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			if err := s.cache.Set(ctx, key, payload, ttl); err == nil {
				cacheStatus = model.CacheStatus{Status: "write"}
			} else {
				s.log.Debug().Err(err).Str("command", commandPath).Msg("cache write skipped")
			}
		}
	}
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providerStatus)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus) error {
	env := out.Success(commandPath, data, warnings, cacheStatus, s.runner.now())
	env.Meta.Providers = providers
	env.Meta.Identity = s.settings.IdentityID
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	env := out.Failure(commandPath, err, s.lastData, s.runner.now())
	env.Warnings = s.lastWarnings
	env.Meta.Providers = s.lastProviders
	env.Meta.Identity = s.settings.IdentityID

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	_ = out.Render(s.runner.stderr, env, settings)
}

// commandLogLevel keeps one-shot commands quiet on stderr, where the error
// envelope is written, unless debugging was asked for explicitly.
func commandLogLevel(commandPath, configured string) string {
	if normalizeCommandPath(commandPath) == "serve" {
		return configured
	}
	switch strings.ToLower(strings.TrimSpace(configured)) {
	case "debug", "trace", "disabled":
		return configured
	}
	return "error"
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeUpstreamAuth:
			return "auth_error"
		case clierr.CodeUpstreamRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		}
	}
	return "error"
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass"}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss"}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

// Only transient upstream failures may be papered over with stale data.
func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	switch cErr.Code {
	case clierr.CodeUnavailable, clierr.CodeUpstreamRateLimited:
		return true
	case clierr.CodeQuoteUnavailable:
		return clierr.Is(cErr.Cause, clierr.CodeUnavailable) || clierr.Is(cErr.Cause, clierr.CodeUpstreamRateLimited)
	}
	return false
}

func shouldOpenCache(commandPath string) bool {
	return normalizeCommandPath(commandPath) == "quote"
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastData = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
}
