package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapvault/internal/api"
	"github.com/ggonzalez94/swapvault/internal/config"
	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/schema"
	"github.com/ggonzalez94/swapvault/internal/vault"
)

const (
	shutdownTimeout = 15 * time.Second
	pruneInterval   = time.Hour
)

// notifyContext is swapped in tests to stop the server without a signal.
var notifyContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (s *runtimeState) newServeCommand() *cobra.Command {
	var listenArg string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API the chat transport calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenArg != "" {
				s.settings.ListenAddr = listenArg
			}
			if err := config.ValidateServe(s.settings); err != nil {
				return err
			}
			ctx, stop := notifyContext(context.Background())
			defer stop()

			svc, err := s.openServices(ctx)
			if err != nil {
				return err
			}
			srv := api.NewServer(api.Deps{
				Wallets:   svc.wallets,
				Runs:      svc.machine,
				Gateway:   svc.gateway,
				Health:    map[string]api.HealthChecker{"solana": svc.ledger},
				JWTSecret: []byte(s.settings.JWTSecret),
				Logger:    s.log,
			})

			ln, err := net.Listen("tcp", s.settings.ListenAddr)
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "listen on "+s.settings.ListenAddr, err)
			}
			httpServer := &http.Server{
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go s.housekeeping(ctx, svc)

			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.Serve(ln) }()
			s.log.Info().Str("addr", ln.Addr().String()).Str("store", s.settings.StoreDriver).Bool("shared_limits", s.settings.RedisURL != "").Msg("serving")

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return clierr.Wrap(clierr.CodeUnavailable, "http server", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				s.log.Warn().Err(err).Msg("shutdown incomplete")
			}
			s.log.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listenArg, "listen", "", "Listen address (default from config, :8080)")
	return cmd
}

// housekeeping sweeps in-process rate windows and prunes old terminal runs
// until ctx is done.
func (s *runtimeState) housekeeping(ctx context.Context, svc *services) {
	sweep := time.NewTicker(svc.limiter.Window())
	defer sweep.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := svc.limiter.Sweep(); n > 0 {
				s.log.Debug().Int("windows", n).Msg("swept rate windows")
			}
		case <-prune.C:
			if _, err := svc.machine.Prune(ctx, s.settings.RunRetention); err != nil {
				s.log.Warn().Err(err).Msg("prune runs failed")
			}
		}
	}
}

func (s *runtimeState) newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key for SWAPVAULT_MASTER_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateMasterKey()
			if err != nil {
				return err
			}
			data := map[string]any{"master_key": key, "env": "SWAPVAULT_MASTER_KEY"}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
}

func (s *runtimeState) newTokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requireIdentity(); err != nil {
				return err
			}
			if strings.TrimSpace(s.settings.JWTSecret) == "" {
				return clierr.New(clierr.CodeConfig, "SWAPVAULT_JWT_SECRET is required to mint tokens")
			}
			token, err := api.IssueToken([]byte(s.settings.JWTSecret), s.settings.IdentityID, s.settings.DisplayName, s.settings.ChatID, ttl)
			if err != nil {
				return err
			}
			data := map[string]any{"token": token, "identity": s.settings.IdentityID}
			if ttl > 0 {
				data["expires_at"] = s.runner.now().Add(ttl).UTC()
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	schema.Mark(cmd, schema.AnnotationIdentity)
	return cmd
}
