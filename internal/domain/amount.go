package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the fixed-point precision of the chain's native currency.
const NativeDecimals = 18

// DisplayPlaces is the rounding applied to token amounts shown to the user.
const DisplayPlaces = 2

// ParseUnits converts a decimal string into integer base units with the given precision.
// Amounts carrying more fractional digits than decimals allow are rejected rather than truncated.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d fractional digits", amount, decimals)
	}

	return scaled.BigInt(), nil
}

// FormatUnits converts integer base units into a decimal string.
func FormatUnits(value *big.Int, decimals int32) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -decimals).String()
}

// ParseDecimal parses a decimal string, treating an empty string as zero.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// DisplayAmount rounds a decimal string to DisplayPlaces for presentation.
// Unparseable input is returned unchanged.
func DisplayAmount(s string) string {
	d, err := ParseDecimal(s)
	if err != nil {
		return s
	}
	return d.StringFixed(DisplayPlaces)
}
