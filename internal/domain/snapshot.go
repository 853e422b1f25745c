package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractSnapshot is the sale-wide state read from the sale contract in one call.
// A snapshot is replaced wholesale on refresh and never patched.
type ContractSnapshot struct {
	SaleTokenAddress  string    `json:"saleTokenAddress"`
	SaleTokenBalance  string    `json:"saleTokenBalance"`
	UnitPriceInNative string    `json:"unitPriceInNative"`
	TotalSold         string    `json:"totalSold"`
	TokenDecimals     uint8     `json:"tokenDecimals"`
	CapturedAt        time.Time `json:"capturedAt"`
}

// UnitPrice returns the per-token price in native currency.
func (s ContractSnapshot) UnitPrice() (decimal.Decimal, error) {
	return ParseDecimal(s.UnitPriceInNative)
}

// SupplyLeft returns the sale-token balance held by the sale contract.
func (s ContractSnapshot) SupplyLeft() (decimal.Decimal, error) {
	return ParseDecimal(s.SaleTokenBalance)
}

// UserBalances holds balances scoped to the connected account.
type UserBalances struct {
	Account               string `json:"account"`
	NativeBalance         string `json:"nativeBalance"`
	SaleTokenBalance      string `json:"saleTokenBalance"`
	ContractNativeBalance string `json:"contractNativeBalance"`
	SaleTokenTotalSupply  string `json:"saleTokenTotalSupply"`
}

// Native returns the account's native currency balance.
func (b UserBalances) Native() (decimal.Decimal, error) {
	return ParseDecimal(b.NativeBalance)
}
