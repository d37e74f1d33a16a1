package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/httpx"
	"github.com/ggonzalez94/swapvault/internal/metrics"
)

const (
	defaultLiteBase = "https://lite-api.jup.ag/swap/v1"
	defaultProBase  = "https://api.jup.ag/swap/v1"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

// New builds a Jupiter swap API client. An empty baseURL selects the public
// lite endpoint, or the pro endpoint when an API key is configured.
func New(httpClient *httpx.Client, baseURL, apiKey string) *Client {
	apiKey = strings.TrimSpace(apiKey)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultLiteBase
		if apiKey != "" {
			baseURL = defaultProBase
		}
	}
	return &Client{
		http:    httpClient.Named("jupiter"),
		baseURL: baseURL,
		apiKey:  apiKey,
		now:     time.Now,
	}
}

type QuoteRequest struct {
	InputMint       string
	OutputMint      string
	AmountBaseUnits string
	SlippageBps     int
}

// Quote is a priced exact-input route. Payload holds the aggregator's raw
// response, which must be handed back unchanged to build the transaction.
type Quote struct {
	InputMint            string          `json:"input_mint"`
	OutputMint           string          `json:"output_mint"`
	InAmount             string          `json:"in_amount"`
	OutAmount            string          `json:"out_amount"`
	OtherAmountThreshold string          `json:"min_out_amount"`
	SlippageBps          int             `json:"slippage_bps"`
	PriceImpactPct       float64         `json:"price_impact_pct"`
	Route                string          `json:"route"`
	FetchedAt            time.Time       `json:"fetched_at"`
	Payload              json.RawMessage `json:"payload"`
}

type routeHop struct {
	SwapInfo struct {
		Label string `json:"label"`
	} `json:"swapInfo"`
}

type quoteResponse struct {
	InAmount             string     `json:"inAmount"`
	OutAmount            string     `json:"outAmount"`
	OtherAmountThreshold string     `json:"otherAmountThreshold"`
	PriceImpactPct       string     `json:"priceImpactPct"`
	RoutePlan            []routeHop `json:"routePlan"`
}

func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.InputMint == "" || req.OutputMint == "" || req.AmountBaseUnits == "" {
		return Quote{}, clierr.New(clierr.CodeUsage, "quote requires input mint, output mint and amount")
	}
	if req.SlippageBps <= 0 {
		return Quote{}, clierr.New(clierr.CodeUsage, "slippage must be positive")
	}

	vals := url.Values{}
	vals.Set("inputMint", req.InputMint)
	vals.Set("outputMint", req.OutputMint)
	vals.Set("amount", req.AmountBaseUnits)
	vals.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	endpoint := fmt.Sprintf("%s/quote?%s", c.baseURL, vals.Encode())
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeInternal, "build jupiter quote request", err)
	}
	if c.apiKey != "" {
		hReq.Header.Set("x-api-key", c.apiKey)
	}

	started := c.now()
	var raw json.RawMessage
	_, err = c.http.DoJSON(ctx, hReq, &raw)
	metrics.QuoteLatency.Observe(c.now().Sub(started).Seconds())
	if err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeQuoteUnavailable, "jupiter quote failed", err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeQuoteUnavailable, "decode jupiter quote", err)
	}
	if strings.TrimSpace(resp.OutAmount) == "" {
		return Quote{}, clierr.New(clierr.CodeQuoteUnavailable, "jupiter quote missing output amount")
	}

	inAmount := resp.InAmount
	if inAmount == "" {
		inAmount = req.AmountBaseUnits
	}
	return Quote{
		InputMint:            req.InputMint,
		OutputMint:           req.OutputMint,
		InAmount:             inAmount,
		OutAmount:            resp.OutAmount,
		OtherAmountThreshold: resp.OtherAmountThreshold,
		SlippageBps:          req.SlippageBps,
		PriceImpactPct:       parsePriceImpactPct(resp.PriceImpactPct),
		Route:                routeFromPlan(resp.RoutePlan),
		FetchedAt:            c.now().UTC(),
		Payload:              raw,
	}, nil
}

type swapRequest struct {
	QuoteResponse           json.RawMessage `json:"quoteResponse"`
	UserPublicKey           string          `json:"userPublicKey"`
	WrapAndUnwrapSol        bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit bool            `json:"dynamicComputeUnitLimit"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SwapTransaction asks Jupiter to build the unsigned transaction for a quote,
// paid for and signed by userPublicKey. It returns the base64 wire encoding.
func (c *Client) SwapTransaction(ctx context.Context, quotePayload json.RawMessage, userPublicKey string) (string, error) {
	if len(quotePayload) == 0 {
		return "", clierr.New(clierr.CodeUsage, "swap transaction requires a quote payload")
	}
	body, err := json.Marshal(swapRequest{
		QuoteResponse:           quotePayload,
		UserPublicKey:           userPublicKey,
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	})
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "encode jupiter swap request", err)
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["x-api-key"] = c.apiKey
	}

	var resp swapResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/swap", body, headers, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.SwapTransaction) == "" {
		return "", clierr.New(clierr.CodeUnavailable, "jupiter swap response missing transaction")
	}
	return resp.SwapTransaction, nil
}

func parsePriceImpactPct(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func routeFromPlan(plan []routeHop) string {
	parts := make([]string, 0, len(plan))
	for _, hop := range plan {
		label := strings.TrimSpace(hop.SwapInfo.Label)
		if label == "" {
			continue
		}
		if len(parts) == 0 || parts[len(parts)-1] != label {
			parts = append(parts, label)
		}
	}
	if len(parts) == 0 {
		return "jupiter"
	}
	return strings.Join(parts, " > ")
}
