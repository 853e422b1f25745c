// Package domain defines the data model shared by the presale synchronization layer.
package domain

import (
	"strings"
	"time"
)

// TxKind is the type of a presale transaction.
type TxKind string

const (
	TxKindBuy   TxKind = "BUY"
	TxKindClaim TxKind = "CLAIM"
)

// Provenance tells where a TransactionRecord came from.
type Provenance string

const (
	// ProvenanceLocal records are written right after a successful local write.
	ProvenanceLocal Provenance = "local"
	// ProvenanceChain records are rebuilt from emitted contract events.
	ProvenanceChain Provenance = "chain"
)

// TransactionRecord is one entry of the transaction feed. Records are never mutated after creation.
type TransactionRecord struct {
	Kind            TxKind     `json:"transactionType"`
	Counterparty    string     `json:"user"`
	TokenIn         string     `json:"tokenIn,omitempty"`
	TokenOut        string     `json:"tokenOut,omitempty"`
	AmountIn        string     `json:"amountIn,omitempty"`
	AmountOut       string     `json:"amountOut"`
	TxHash          string     `json:"hash"`
	TimestampMillis int64      `json:"timestamp"`
	BlockNumber     uint64     `json:"blockNumber,omitempty"`
	LogIndex        uint       `json:"logIndex,omitempty"`
	Provenance      Provenance `json:"provenance"`
}

// Time returns the record timestamp.
func (r TransactionRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMillis).UTC()
}

// HashKey is the dedup key of a record. Hashes compare case-insensitively.
func (r TransactionRecord) HashKey() string {
	return strings.ToLower(r.TxHash)
}

// TransactionRecordEntry bundles a cached record with its position in the cache log.
type TransactionRecordEntry struct {
	Index  uint64
	Record TransactionRecord
}

// CSVHeader is the first line of an exported feed.
const CSVHeader = "Type, Address, Tokens Bought/Claimed, Amount Paid, TxHash, Timestamp"

// FeedCSV renders records as CSV. Fields are joined verbatim, embedded commas are not escaped.
func FeedCSV(records []TransactionRecord) string {
	var b strings.Builder
	b.WriteString(CSVHeader)
	b.WriteString("\n")
	for _, r := range records {
		b.WriteString(strings.Join([]string{
			string(r.Kind),
			r.Counterparty,
			r.AmountOut,
			r.AmountIn,
			r.TxHash,
			r.Time().Format(time.RFC3339),
		}, ","))
		b.WriteString("\n")
	}
	return b.String()
}
