package app

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapvault/internal/cache"
	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/model"
	"github.com/ggonzalez94/swapvault/internal/providers/jupiter"
)

const quotePreviewTTL = 15 * time.Second

// newQuoteCommand prices a swap without creating a run. Previews are cached;
// runs never read from this cache.
func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var tickerArg, amountArg, directionArg string
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Preview the price of a swap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := id.ParseDirection(directionArg)
			if err != nil {
				return err
			}
			in, outAsset, err := id.Route(tickerArg, direction)
			if err != nil {
				return err
			}
			base, decimal, err := id.NormalizeAmount("", strings.TrimSpace(amountArg), in.Decimals)
			if err != nil {
				return err
			}
			quoter, _ := s.upstreams()
			req := jupiter.QuoteRequest{
				InputMint:       in.Mint,
				OutputMint:      outAsset.Mint,
				AmountBaseUnits: base,
				SlippageBps:     s.settings.SlippageBps,
			}
			commandPath := trimRootPath(cmd.CommandPath())
			key := cache.Key(commandPath, map[string]any{
				"in":       in.Mint,
				"out":      outAsset.Mint,
				"amount":   base,
				"slippage": req.SlippageBps,
			})
			ticker := strings.ToUpper(strings.TrimSpace(tickerArg))
			return s.runCachedCommand(commandPath, key, quotePreviewTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, error) {
				start := time.Now()
				q, err := quoter.Quote(ctx, req)
				status := []model.ProviderStatus{{Name: "jupiter", Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
				if err != nil {
					return nil, status, nil, err
				}
				return swapQuoteOf(ticker, direction, in, outAsset, decimal, q), status, nil, nil
			})
		},
	}
	cmd.Flags().StringVar(&tickerArg, "ticker", "", "Ticker to price (e.g. TSLA, NVDA, SOL)")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount of the input asset in decimal units")
	cmd.Flags().StringVar(&directionArg, "direction", "buy", "buy spends USDC, sell spends the ticker")
	_ = cmd.MarkFlagRequired("ticker")
	_ = cmd.MarkFlagRequired("amount")

	assets := &cobra.Command{
		Use:   "assets",
		Short: "List tradable tickers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), id.Assets(), nil, cacheMetaBypass(), nil)
		},
	}
	cmd.AddCommand(assets)
	return cmd
}

func swapQuoteOf(ticker string, direction id.Direction, in, out id.Asset, amountDecimal string, q jupiter.Quote) model.SwapQuote {
	sq := model.SwapQuote{
		Provider:   "jupiter",
		ChainID:    id.ChainID,
		Ticker:     ticker,
		Direction:  string(direction),
		InputMint:  in.Mint,
		OutputMint: out.Mint,
		InputAmount: model.AmountInfo{
			AmountBaseUnits: q.InAmount,
			AmountDecimal:   amountDecimal,
			Decimals:        in.Decimals,
		},
		EstimatedOut: model.AmountInfo{
			AmountBaseUnits: q.OutAmount,
			AmountDecimal:   id.FormatBaseUnits(q.OutAmount, out.Decimals),
			Decimals:        out.Decimals,
		},
		SlippageBps:    q.SlippageBps,
		PriceImpactPct: q.PriceImpactPct,
		Route:          q.Route,
		FetchedAt:      q.FetchedAt.Format(time.RFC3339),
	}
	if q.OtherAmountThreshold != "" {
		sq.MinimumOut = model.AmountInfo{
			AmountBaseUnits: q.OtherAmountThreshold,
			AmountDecimal:   id.FormatBaseUnits(q.OtherAmountThreshold, out.Decimals),
			Decimals:        out.Decimals,
		}
	}
	return sq
}
