package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Identity  string           `json:"identity,omitempty"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

// SwapQuote is the read-only price preview shown before a run is started.
type SwapQuote struct {
	Provider       string     `json:"provider"`
	ChainID        string     `json:"chain_id"`
	Ticker         string     `json:"ticker"`
	Direction      string     `json:"direction"`
	InputMint      string     `json:"input_mint"`
	OutputMint     string     `json:"output_mint"`
	InputAmount    AmountInfo `json:"input_amount"`
	EstimatedOut   AmountInfo `json:"estimated_out"`
	MinimumOut     AmountInfo `json:"minimum_out"`
	SlippageBps    int        `json:"slippage_bps"`
	PriceImpactPct float64    `json:"price_impact_pct"`
	Route          string     `json:"route"`
	FetchedAt      string     `json:"fetched_at"`
}

// Health reports the reachability of the service's upstream dependencies.
type Health struct {
	Status    string           `json:"status"`
	Providers []ProviderStatus `json:"providers"`
}
