package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient returns a client for the public market endpoints; no API key is needed.
func NewBinanceClient() *binance.Client {
	return binance.NewClient("", "")
}
