package app

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/schema"
	"github.com/ggonzalez94/swapvault/internal/session"
	"github.com/ggonzalez94/swapvault/internal/wallet"
)

// handle runs fn for the CLI identity through the session gateway, the same
// path chat events take in serve mode.
func handle[T any](ctx context.Context, s *runtimeState, op string, fn func(context.Context, *services) (T, error)) (T, error) {
	var zero T
	svc, err := s.openServices(ctx)
	if err != nil {
		return zero, err
	}
	ev := session.Event{
		IdentityID:  s.settings.IdentityID,
		DisplayName: s.settings.DisplayName,
		ChatID:      s.settings.ChatID,
		Text:        op,
		ReceivedAt:  s.runner.now(),
	}
	return session.Handle(ctx, svc.gateway, ev, op, func(ctx context.Context) (T, error) {
		return fn(ctx, svc)
	})
}

func (s *runtimeState) requireIdentity() error {
	if strings.TrimSpace(s.settings.IdentityID) == "" {
		return clierr.New(clierr.CodeIdentity, "no identity; pass --identity or set SWAPVAULT_IDENTITY")
	}
	return nil
}

func (s *runtimeState) commandContext(extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout+extra)
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Custodial wallet commands"}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a wallet sealed under a new passcode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requireIdentity(); err != nil {
				return err
			}
			passcode, err := s.readNewPasscode("New passcode: ")
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext(0)
			defer cancel()
			info, err := handle(ctx, s, "wallet.create", func(ctx context.Context, svc *services) (wallet.Info, error) {
				return svc.wallets.Create(ctx, passcode)
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), info, nil, cacheMetaBypass(), nil)
		},
	}
	create.Flags().BoolVar(&s.passcodeStdin, "passcode-stdin", false, "Read the passcode from stdin")
	schema.Mark(create, schema.AnnotationIdentity, schema.AnnotationMutates, schema.AnnotationPasscode)

	info := &cobra.Command{
		Use:   "info",
		Short: "Show the wallet of the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(0)
			defer cancel()
			data, err := handle(ctx, s, "wallet.info", func(ctx context.Context, svc *services) (wallet.Info, error) {
				return svc.wallets.Info(ctx)
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
	schema.Mark(info, schema.AnnotationIdentity)

	balances := &cobra.Command{
		Use:   "balances",
		Short: "Show on-chain SOL and token holdings of the current wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(0)
			defer cancel()
			data, err := handle(ctx, s, "wallet.balances", func(ctx context.Context, svc *services) (wallet.Balances, error) {
				return svc.wallets.Balances(ctx)
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
	schema.Mark(balances, schema.AnnotationIdentity)

	passcode := &cobra.Command{
		Use:   "passcode",
		Short: "Change the wallet passcode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requireIdentity(); err != nil {
				return err
			}
			oldPasscode, err := s.readPasscode("Current passcode: ")
			if err != nil {
				return err
			}
			newPasscode, err := s.readNewPasscode("New passcode: ")
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext(0)
			defer cancel()
			data, err := handle(ctx, s, "wallet.passcode", func(ctx context.Context, svc *services) (wallet.Info, error) {
				return svc.wallets.ChangePasscode(ctx, oldPasscode, newPasscode)
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
	passcode.Flags().BoolVar(&s.passcodeStdin, "passcode-stdin", false, "Read the current and new passcode from stdin, one per line")
	schema.Mark(passcode, schema.AnnotationIdentity, schema.AnnotationMutates, schema.AnnotationPasscode)

	root.AddCommand(create)
	root.AddCommand(info)
	root.AddCommand(balances)
	root.AddCommand(passcode)
	return root
}
