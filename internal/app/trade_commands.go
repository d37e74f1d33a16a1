package app

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/execution"
	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/schema"
)

func (s *runtimeState) newTradeCommand() *cobra.Command {
	root := &cobra.Command{Use: "trade", Short: "Passcode-gated swap runs"}

	var tickerArg, amountArg, directionArg string
	start := &cobra.Command{
		Use:   "start",
		Short: "Quote a swap and park it waiting for the passcode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := id.ParseDirection(directionArg)
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext(0)
			defer cancel()
			run, err := handle(ctx, s, "trade.start", func(ctx context.Context, svc *services) (execution.Run, error) {
				return svc.machine.Start(ctx, tickerArg, amountArg, direction)
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run, nil, cacheMetaBypass(), nil)
		},
	}
	start.Flags().StringVar(&tickerArg, "ticker", "", "Ticker to trade (e.g. TSLA, NVDA, SOL)")
	start.Flags().StringVar(&amountArg, "amount", "", "Amount of the input asset in decimal units")
	start.Flags().StringVar(&directionArg, "direction", "buy", "buy spends USDC, sell spends the ticker")
	_ = start.MarkFlagRequired("ticker")
	_ = start.MarkFlagRequired("amount")
	schema.Mark(start, schema.AnnotationIdentity, schema.AnnotationMutates)

	resume := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Supply the passcode for a waiting run and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requireIdentity(); err != nil {
				return err
			}
			passcode, err := s.readPasscode("Passcode: ")
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext(2*s.settings.Timeout + s.settings.ConfirmTimeout)
			defer cancel()
			res, err := handle(ctx, s, "trade.resume", func(ctx context.Context, svc *services) (execution.Result, error) {
				return svc.machine.Resume(ctx, args[0], passcode)
			})
			if err != nil {
				if res.RunID != "" {
					s.lastData = res
				}
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil, cacheMetaBypass(), nil)
		},
	}
	resume.Flags().BoolVar(&s.passcodeStdin, "passcode-stdin", false, "Read the passcode from stdin")
	schema.Mark(resume, schema.AnnotationIdentity, schema.AnnotationMutates, schema.AnnotationPasscode)

	status := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run, polling the ledger if it is still submitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(0)
			defer cancel()
			run, err := handle(ctx, s, "trade.status", func(ctx context.Context, svc *services) (execution.Run, error) {
				return svc.machine.Status(ctx, args[0])
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run, nil, cacheMetaBypass(), nil)
		},
	}
	schema.Mark(status, schema.AnnotationIdentity, schema.AnnotationMutates)

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a stored run without contacting the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(0)
			defer cancel()
			run, err := handle(ctx, s, "trade.show", func(ctx context.Context, svc *services) (execution.Run, error) {
				return svc.machine.Get(ctx, args[0])
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run, nil, cacheMetaBypass(), nil)
		},
	}
	schema.Mark(show, schema.AnnotationIdentity)

	var stateArg string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs of the current identity, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be positive")
			}
			state := execution.State(strings.ToUpper(strings.TrimSpace(stateArg)))
			ctx, cancel := s.commandContext(0)
			defer cancel()
			runs, err := handle(ctx, s, "trade.list", func(ctx context.Context, svc *services) ([]execution.Run, error) {
				return svc.machine.List(ctx, state, limit)
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), runs, nil, cacheMetaBypass(), nil)
		},
	}
	list.Flags().StringVar(&stateArg, "state", "", "Only runs in this state (e.g. awaiting_passcode, confirmed)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to return")
	schema.Mark(list, schema.AnnotationIdentity)

	var retentionArg string
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete terminal runs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			retention := s.settings.RunRetention
			if retentionArg != "" {
				d, err := time.ParseDuration(retentionArg)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "parse --older-than", err)
				}
				retention = d
			}
			ctx, cancel := s.commandContext(0)
			defer cancel()
			svc, err := s.openServices(ctx)
			if err != nil {
				return err
			}
			n, err := svc.machine.Prune(ctx, retention)
			if err != nil {
				return err
			}
			data := map[string]any{"pruned": n, "retention": retention.String()}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
	prune.Flags().StringVar(&retentionArg, "older-than", "", "Retention window (default from config, 168h)")
	schema.Mark(prune, schema.AnnotationMutates)

	root.AddCommand(start)
	root.AddCommand(resume)
	root.AddCommand(status)
	root.AddCommand(show)
	root.AddCommand(list)
	root.AddCommand(prune)
	return root
}
