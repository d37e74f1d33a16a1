package id

import (
	"testing"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

func TestParseAssetVariants(t *testing.T) {
	for _, in := range []string{"TSLA", "tslax", " TSLAx "} {
		asset, err := ParseAsset(in)
		if err != nil {
			t.Fatalf("ParseAsset(%q) failed: %v", in, err)
		}
		if asset.Mint != "XsDoVfqeBukxuZHWhdvWHBhgEHjGNst4MLodqsJHzoB" || asset.Decimals != 8 {
			t.Fatalf("unexpected asset for %q: %+v", in, asset)
		}
	}

	usdc, err := ParseAsset("usdc")
	if err != nil || usdc.Mint != USDCMint || usdc.Decimals != 6 {
		t.Fatalf("unexpected USDC result: %+v err=%v", usdc, err)
	}
}

func TestParseAssetUnknownTicker(t *testing.T) {
	for _, in := range []string{"", "ZZZZ", "TSLA/USD", "X"} {
		_, err := ParseAsset(in)
		if !clierr.Is(err, clierr.CodeQuoteUnavailable) {
			t.Fatalf("ParseAsset(%q): expected quote unavailable, got %v", in, err)
		}
	}
}

func TestRouteDirection(t *testing.T) {
	in, out, err := Route("NVDA", DirectionBuy)
	if err != nil {
		t.Fatalf("Route BUY failed: %v", err)
	}
	if in.Mint != USDCMint || out.Symbol != "NVDAx" {
		t.Fatalf("unexpected BUY route: %s -> %s", in.Symbol, out.Symbol)
	}

	in, out, err = Route("NVDA", DirectionSell)
	if err != nil {
		t.Fatalf("Route SELL failed: %v", err)
	}
	if in.Symbol != "NVDAx" || out.Mint != USDCMint {
		t.Fatalf("unexpected SELL route: %s -> %s", in.Symbol, out.Symbol)
	}

	if _, _, err := Route("USDC", DirectionBuy); err == nil {
		t.Fatal("expected error trading the stable asset against itself")
	}
}

func TestParseDirection(t *testing.T) {
	if d, err := ParseDirection("buy"); err != nil || d != DirectionBuy {
		t.Fatalf("unexpected direction: %s %v", d, err)
	}
	if _, err := ParseDirection("hold"); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestAssetsAreValidAddresses(t *testing.T) {
	assets := Assets()
	if len(assets) < 10 {
		t.Fatalf("expected registry entries, got %d", len(assets))
	}
	for _, a := range assets {
		if !IsValidAddress(a.Mint) {
			t.Fatalf("invalid mint for %s: %s", a.Symbol, a.Mint)
		}
	}
	if IsValidAddress("0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48") {
		t.Fatal("EVM address must not validate")
	}
}

func TestAssetByMint(t *testing.T) {
	a, ok := AssetByMint(USDCMint)
	if !ok || a.Symbol != "USDC" {
		t.Fatalf("expected USDC, got %+v %v", a, ok)
	}
	tsla, _ := ParseAsset("TSLA")
	if a, ok := AssetByMint(tsla.Mint); !ok || a.Symbol != "TSLAx" {
		t.Fatalf("expected TSLAx, got %+v %v", a, ok)
	}
	if _, ok := AssetByMint("unknown"); ok {
		t.Fatal("unknown mint must not resolve")
	}
}
