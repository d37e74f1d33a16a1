package app

import (
	"context"
	"io"
	"strings"

	"github.com/ggonzalez94/swapvault/internal/config"
	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/execution"
	"github.com/ggonzalez94/swapvault/internal/httpx"
	"github.com/ggonzalez94/swapvault/internal/providers/jupiter"
	"github.com/ggonzalez94/swapvault/internal/ratelimit"
	"github.com/ggonzalez94/swapvault/internal/session"
	"github.com/ggonzalez94/swapvault/internal/signer"
	"github.com/ggonzalez94/swapvault/internal/solana"
	"github.com/ggonzalez94/swapvault/internal/vault"
	"github.com/ggonzalez94/swapvault/internal/wallet"
)

// services is the object graph shared by the CLI commands and serve mode.
type services struct {
	wallets *wallet.Service
	machine *execution.Machine
	gateway *session.Gateway
	limiter *ratelimit.Limiter
	ledger  *solana.Client
	quoter  *jupiter.Client
	closers []io.Closer
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	s.closers = nil
}

func (s *runtimeState) upstreams() (*jupiter.Client, *solana.Client) {
	httpClient := httpx.New(s.settings.Timeout, s.settings.Retries)
	quoter := jupiter.New(httpClient, s.settings.JupiterBaseURL, s.settings.JupiterAPIKey)
	ledger := solana.NewClient(httpClient, s.settings.RPCURL)
	return quoter, ledger
}

// openServices builds the wallet, execution and session layers once per
// process. Every command that touches a wallet or a run needs the master key.
func (s *runtimeState) openServices(ctx context.Context) (*services, error) {
	if s.svc != nil {
		return s.svc, nil
	}
	if strings.TrimSpace(s.settings.MasterKey) == "" {
		return nil, clierr.New(clierr.CodeConfig, "SWAPVAULT_MASTER_KEY is required; generate one with `swapvault keygen`")
	}
	key, err := vault.ParseMasterKey(s.settings.MasterKey)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(key)
	vault.Wipe(key)
	if err != nil {
		return nil, err
	}

	svc := &services{}
	walletStore, err := s.openWalletStore(ctx)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, walletStore)

	runStore, err := execution.OpenStore(s.settings.RunStorePath, s.settings.RunLockPath)
	if err != nil {
		svc.Close()
		return nil, clierr.Wrap(clierr.CodeInternal, "open run store", err)
	}
	svc.closers = append(svc.closers, runStore)

	limiterStore, err := s.openLimiterStore(ctx)
	if err != nil {
		svc.Close()
		return nil, err
	}
	if c, ok := limiterStore.(io.Closer); ok {
		svc.closers = append(svc.closers, c)
	}

	svc.quoter, svc.ledger = s.upstreams()
	svc.wallets = wallet.NewService(walletStore, v, s.log, wallet.WithBalanceReader(svc.ledger))
	broadcaster := signer.New(svc.quoter, svc.ledger, svc.wallets, signer.Options{
		SlippageBps:    s.settings.SlippageBps,
		QuoteTTL:       s.settings.QuoteTTL,
		PollInterval:   s.settings.PollInterval,
		ConfirmTimeout: s.settings.ConfirmTimeout,
	}, s.log)
	svc.machine = execution.NewMachine(runStore, broadcaster, execution.Options{
		MaxPasscodeAttempts: s.settings.MaxPasscodeAttempts,
		RunExpiry:           s.settings.RunExpiry,
	}, s.log)
	svc.limiter = ratelimit.New(limiterStore, s.settings.RateLimitMax, s.settings.RateLimitWindow, ratelimit.WithLogger(s.log))
	svc.gateway = session.NewGateway(svc.limiter, s.log)

	s.svc = svc
	return svc, nil
}

func (s *runtimeState) openWalletStore(ctx context.Context) (wallet.Store, error) {
	switch s.settings.StoreDriver {
	case config.StoreDriverPostgres:
		if strings.TrimSpace(s.settings.PostgresDSN) == "" {
			return nil, clierr.New(clierr.CodeConfig, "postgres store driver requires SWAPVAULT_POSTGRES_DSN")
		}
		store, err := wallet.OpenPostgres(ctx, s.settings.PostgresDSN)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "open postgres wallet store", err)
		}
		return store, nil
	default:
		store, err := wallet.OpenSQLite(s.settings.WalletStorePath, s.settings.WalletLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "open wallet store", err)
		}
		return store, nil
	}
}

// openLimiterStore shares rate windows through Redis when one is configured
// so that every replica and CLI invocation sees the same counts.
func (s *runtimeState) openLimiterStore(ctx context.Context) (ratelimit.Store, error) {
	if strings.TrimSpace(s.settings.RedisURL) == "" {
		return ratelimit.NewMemoryStore(), nil
	}
	store, err := ratelimit.NewRedisStore(ctx, s.settings.RedisURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rate limit store", err)
	}
	return store, nil
}
