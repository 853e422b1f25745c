package feed

import (
	"sort"

	"github.com/vadiminshakov/presale/internal/domain"
)

// Merge combines chain-observed and locally cached records into one newest-first feed.
// Records are keyed by transaction hash; when both sources know a hash the chain record wins.
func Merge(chain, local []domain.TransactionRecord) []domain.TransactionRecord {
	byHash := make(map[string]domain.TransactionRecord, len(chain)+len(local))

	for _, r := range local {
		if r.TxHash == "" {
			continue
		}
		if _, ok := byHash[r.HashKey()]; !ok {
			byHash[r.HashKey()] = r
		}
	}
	for _, r := range chain {
		byHash[r.HashKey()] = r
	}

	out := make([]domain.TransactionRecord, 0, len(byHash))
	for _, r := range byHash {
		out = append(out, r)
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders records by timestamp, then by chain position, newest first.
func SortNewestFirst(records []domain.TransactionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.TimestampMillis != b.TimestampMillis {
			return a.TimestampMillis > b.TimestampMillis
		}
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber > b.BlockNumber
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex > b.LogIndex
		}
		return a.HashKey() > b.HashKey()
	})
}
