package id

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/mr-tron/base58"
)

var tickerPattern = regexp.MustCompile(`^[A-Za-z]{1,10}$`)

const (
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	SOLMint  = "So11111111111111111111111111111111111111112"

	// ChainID is the CAIP-2 id of Solana mainnet.
	ChainID = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
)

type Asset struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Mint     string `json:"mint"`
	Decimals int    `json:"decimals"`
}

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

var stableAsset = Asset{Symbol: "USDC", Name: "USD Coin", Mint: USDCMint, Decimals: 6}

// Tokenized equities trade with an "X" suffix; the bare ticker is accepted too.
var assetBySymbol = map[string]Asset{
	"USDC":   stableAsset,
	"SOL":    {Symbol: "SOL", Name: "Wrapped SOL", Mint: SOLMint, Decimals: 9},
	"TSLAX":  {Symbol: "TSLAx", Name: "Tesla xStock", Mint: "XsDoVfqeBukxuZHWhdvWHBhgEHjGNst4MLodqsJHzoB", Decimals: 8},
	"NFLXX":  {Symbol: "NFLXx", Name: "Netflix xStock", Mint: "XsEH7wWfJJu2ZT3UCFeVfALnVA6CP5ur7Ee11KmzVpL", Decimals: 8},
	"PLTRX":  {Symbol: "PLTRx", Name: "Palantir xStock", Mint: "XsoBhf2ufR8fTyNSjqfU71DYGaE6Z3SUGAidpzriAA4", Decimals: 8},
	"ORCLX":  {Symbol: "ORCLx", Name: "Oracle xStock", Mint: "XsjFwUPiLofddX5cWFHW35GCbXcSu1BCUGfxoQAQjeL", Decimals: 8},
	"IBMX":   {Symbol: "IBMx", Name: "IBM xStock", Mint: "XspwhyYPdWVM8XBHZnpS9hgyag9MKjLRyE3tVfmCbSr", Decimals: 8},
	"AAPLX":  {Symbol: "AAPLx", Name: "Apple xStock", Mint: "XsbEhLAtcf6HdfpFZ5xEMdqW8nfAvcsP5bdudRLJzJp", Decimals: 8},
	"MSFTX":  {Symbol: "MSFTx", Name: "Microsoft xStock", Mint: "XspzcW1PRtgf6Wj92HCiZdjzKCyFekVD8P5Ueh3dRMX", Decimals: 8},
	"NVDAX":  {Symbol: "NVDAx", Name: "NVIDIA xStock", Mint: "Xsc9qvGR1efVDFGLrVsmkzv3qi45LTBjeUKSPmx9qEh", Decimals: 8},
	"AMZNX":  {Symbol: "AMZNx", Name: "Amazon xStock", Mint: "Xs3eBt7uRfJX8QUs4suhyU8p2M6DoUDrJyWBa8LLZsg", Decimals: 8},
	"GOOGLX": {Symbol: "GOOGLx", Name: "Alphabet xStock", Mint: "XsCPL9dNWBMvFtTmwcCA5v3xWPSMEBCszbQdiLLq6aN", Decimals: 8},
	"METAX":  {Symbol: "METAx", Name: "Meta xStock", Mint: "Xsa62P5mvPszXL1krVUnU5ar38bBSVcWAB6fmPCo5Zu", Decimals: 8},
	"QQQX":   {Symbol: "QQQx", Name: "Nasdaq xStock", Mint: "Xs8S1uUs1zvS2p7iwtsG3b6fkhpvmwz4GYU3gWAmWHZ", Decimals: 8},
	"SPYX":   {Symbol: "SPYx", Name: "SP500 xStock", Mint: "XsoCS1TfEyfFhfvj8EtZ528L3CaKBDBRqRapnBbDF2W", Decimals: 8},
	"JPMX":   {Symbol: "JPMx", Name: "JPMorgan Chase xStock", Mint: "XsMAqkcKsUewDrzVkait4e5u4y8REgtyS7jWgCpLV2C", Decimals: 8},
	"VX":     {Symbol: "Vx", Name: "Visa xStock", Mint: "XsqgsbXwWogGJsNcVZ3TyVouy2MbTkfCFhCGGGcQZ2p", Decimals: 8},
}

// StableAsset is the reference asset every trade is priced against.
func StableAsset() Asset {
	return stableAsset
}

// ParseAsset resolves a ticker such as "TSLA", "tslax" or "USDC".
func ParseAsset(ticker string) (Asset, error) {
	norm := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerPattern.MatchString(norm) {
		return Asset{}, clierr.New(clierr.CodeQuoteUnavailable, fmt.Sprintf("unrecognized ticker: %q", ticker))
	}
	if a, ok := assetBySymbol[norm+"X"]; ok {
		return a, nil
	}
	if a, ok := assetBySymbol[norm]; ok {
		return a, nil
	}
	return Asset{}, clierr.New(clierr.CodeQuoteUnavailable, fmt.Sprintf("unrecognized ticker: %s", norm))
}

func ParseDirection(v string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case string(DirectionBuy):
		return DirectionBuy, nil
	case string(DirectionSell):
		return DirectionSell, nil
	default:
		return "", clierr.New(clierr.CodeUsage, "direction must be BUY or SELL")
	}
}

// Route returns the input and output assets for trading ticker in direction.
// BUY spends the stable asset; SELL spends the traded asset.
func Route(ticker string, direction Direction) (Asset, Asset, error) {
	asset, err := ParseAsset(ticker)
	if err != nil {
		return Asset{}, Asset{}, err
	}
	if asset.Mint == stableAsset.Mint {
		return Asset{}, Asset{}, clierr.New(clierr.CodeQuoteUnavailable, "cannot trade the reference asset against itself")
	}
	switch direction {
	case DirectionBuy:
		return stableAsset, asset, nil
	case DirectionSell:
		return asset, stableAsset, nil
	default:
		return Asset{}, Asset{}, clierr.New(clierr.CodeUsage, "direction must be BUY or SELL")
	}
}

// Assets lists the tradable assets sorted by symbol.
func Assets() []Asset {
	out := make([]Asset, 0, len(assetBySymbol))
	for _, a := range assetBySymbol {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// AssetByMint finds a known asset by its mint address.
func AssetByMint(mint string) (Asset, bool) {
	for _, a := range assetBySymbol {
		if a.Mint == mint {
			return a, true
		}
	}
	return Asset{}, false
}

// IsValidAddress reports whether s is a base58 32-byte Solana address.
func IsValidAddress(s string) bool {
	b, err := base58.Decode(strings.TrimSpace(s))
	return err == nil && len(b) == 32
}
