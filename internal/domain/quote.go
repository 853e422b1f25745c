package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// divisionPrecision keeps full precision for token amounts derived by division.
const divisionPrecision = 36

// Quote is the expected outcome of buying with a given payment.
type Quote struct {
	AmountIn       string `json:"amountIn"`
	TokensOut      string `json:"tokensOut"`
	TokensOutExact string `json:"tokensOutExact"`
	ValueUSD       string `json:"valueUsd,omitempty"`
}

// TokensForPayment returns amountIn / unitPrice at full precision.
func TokensForPayment(amountIn, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if unitPrice.Sign() <= 0 {
		return decimal.Zero, errors.New("unit price is not set")
	}
	return amountIn.DivRound(unitPrice, divisionPrecision), nil
}

// NewQuote computes a quote for amountIn at unitPrice.
func NewQuote(amountIn, unitPrice decimal.Decimal) (Quote, error) {
	tokens, err := TokensForPayment(amountIn, unitPrice)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		AmountIn:       amountIn.String(),
		TokensOut:      tokens.StringFixed(DisplayPlaces),
		TokensOutExact: tokens.String(),
	}, nil
}
