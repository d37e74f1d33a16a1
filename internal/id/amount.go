package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/shopspring/decimal"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// NormalizeAmount accepts either a base-unit integer or a user-facing decimal
// and returns both forms. Decimal input is floored to the asset precision so a
// trade never spends more than the user asked for.
func NormalizeAmount(baseUnits, amountDecimal string, decimals int) (string, string, error) {
	baseUnits = strings.TrimSpace(baseUnits)
	amountDecimal = strings.TrimSpace(amountDecimal)
	if baseUnits != "" && amountDecimal != "" {
		return "", "", clierr.New(clierr.CodeUsage, "use either a base-unit amount or a decimal amount, not both")
	}
	if baseUnits == "" && amountDecimal == "" {
		return "", "", clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return "", "", clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}

	if baseUnits != "" {
		n, ok := new(big.Int).SetString(baseUnits, 10)
		if !ok || n.Sign() < 0 {
			return "", "", clierr.New(clierr.CodeUsage, "base-unit amount must be a non-negative integer string")
		}
		if n.Sign() == 0 {
			return "", "", clierr.New(clierr.CodeUsage, "amount must be greater than zero")
		}
		return n.String(), FormatBaseUnits(n.String(), decimals), nil
	}

	base, err := ToBaseUnits(amountDecimal, decimals)
	if err != nil {
		return "", "", err
	}
	return base, FormatBaseUnits(base, decimals), nil
}

// ToBaseUnits converts a decimal amount to base units, rounding down.
func ToBaseUnits(amount string, decimals int) (string, error) {
	amount = strings.TrimSpace(amount)
	if !decimalPattern.MatchString(amount) {
		return "", clierr.New(clierr.CodeUsage, "amount must be in decimal form like 1.23")
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "parse amount", err)
	}
	base := d.Shift(int32(decimals)).Floor()
	if base.Sign() <= 0 {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("amount is below the smallest unit (%d decimals)", decimals))
	}
	return base.BigInt().String(), nil
}

// FormatBaseUnits renders a base-unit integer string as a trimmed decimal.
func FormatBaseUnits(baseUnits string, decimals int) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return ""
	}
	return decimal.NewFromBigInt(n, -int32(decimals)).String()
}
