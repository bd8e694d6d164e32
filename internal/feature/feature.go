// Package feature turns raw transactions into the numeric vectors the
// anomaly models consume: value, fee, hour-of-day, and day-of-week,
// grouped and time-ordered per sending address.
package feature

import (
	"github.com/mbd888/chainwatch/internal/chain"
)

// Width is the number of numeric features per transaction.
const Width = 4

// Vector is one transaction's numeric features, in extraction order:
// value, fee, hour of day, day of week.
type Vector [Width]float64

// FromTransaction derives the feature vector for a single transaction.
// Callers must check tx.Usable() first.
func FromTransaction(tx *chain.Transaction) Vector {
	return Vector{
		tx.Value,
		tx.Fee,
		float64(tx.Timestamp.Hour()),
		float64(tx.Timestamp.Weekday()),
	}
}

// Batch is the result of extracting features from a transaction slice.
// Rows and Txs are parallel: Rows[i] was derived from Txs[i]. Skipped
// counts the records dropped for lacking a usable value or timestamp.
type Batch struct {
	Rows    []Vector
	Txs     []chain.Transaction
	Skipped int
}

// Extract builds feature rows for every usable transaction, preserving
// input order. Unusable records are counted, never an error.
func Extract(txs []chain.Transaction) Batch {
	b := Batch{
		Rows: make([]Vector, 0, len(txs)),
		Txs:  make([]chain.Transaction, 0, len(txs)),
	}
	for _, tx := range txs {
		if !tx.Usable() {
			b.Skipped++
			continue
		}
		b.Rows = append(b.Rows, FromTransaction(&tx))
		b.Txs = append(b.Txs, tx)
	}
	return b
}

// GroupByFrom buckets usable transactions by sending address and sorts
// each bucket by timestamp ascending. Transactions without a from
// address are excluded; they remain eligible for single-transaction
// checks elsewhere.
func GroupByFrom(txs []chain.Transaction) map[string][]chain.Transaction {
	groups := make(map[string][]chain.Transaction)
	for _, tx := range txs {
		if tx.FromAddress == "" || !tx.Usable() {
			continue
		}
		key := chain.NormalizeAddress(tx.FromAddress)
		groups[key] = append(groups[key], tx)
	}
	for _, group := range groups {
		chain.SortByTimestamp(group)
	}
	return groups
}

// Values extracts just the value column, preserving order.
func Values(txs []chain.Transaction) []float64 {
	out := make([]float64, len(txs))
	for i := range txs {
		out[i] = txs[i].Value
	}
	return out
}
