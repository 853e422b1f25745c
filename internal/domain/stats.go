package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

const topBuyersLimit = 5

// BuyerTotal is the amount of sale tokens bought by one address.
type BuyerTotal struct {
	Address string `json:"address"`
	Total   string `json:"total"`
}

// FeedStats aggregates a transaction feed for the dashboard.
type FeedStats struct {
	TotalTransactions int          `json:"totalTransactions"`
	TotalTokensSold   string       `json:"totalTokensSold"`
	UniqueBuyers      int          `json:"uniqueBuyers"`
	TopBuyers         []BuyerTotal `json:"topBuyers"`
}

// ComputeStats sums tokens over all records and ranks buyers by BUY volume.
// Records with unparseable amounts count as zero.
func ComputeStats(records []TransactionRecord) FeedStats {
	total := decimal.Zero
	buyers := make(map[string]decimal.Decimal)
	seen := make(map[string]struct{})

	for _, r := range records {
		amount, err := ParseDecimal(r.AmountOut)
		if err != nil {
			amount = decimal.Zero
		}
		total = total.Add(amount)
		seen[r.Counterparty] = struct{}{}

		if r.Kind == TxKindBuy {
			buyers[r.Counterparty] = buyers[r.Counterparty].Add(amount)
		}
	}

	ranked := make([]BuyerTotal, 0, len(buyers))
	for addr := range buyers {
		ranked = append(ranked, BuyerTotal{Address: addr})
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := buyers[ranked[i].Address], buyers[ranked[j].Address]
		if a.Equal(b) {
			return ranked[i].Address < ranked[j].Address
		}
		return a.GreaterThan(b)
	})
	if len(ranked) > topBuyersLimit {
		ranked = ranked[:topBuyersLimit]
	}
	for i := range ranked {
		ranked[i].Total = buyers[ranked[i].Address].StringFixed(DisplayPlaces)
	}

	return FeedStats{
		TotalTransactions: len(records),
		TotalTokensSold:   total.StringFixed(DisplayPlaces),
		UniqueBuyers:      len(seen),
		TopBuyers:         ranked,
	}
}
