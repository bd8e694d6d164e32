// Package chain defines the transaction record shared by every detection
// component, plus the Source interface that supplies historic transactions.
//
// A Transaction is validated once at ingestion. Downstream code never
// re-checks field presence; it only asks Usable() before doing math on
// the value/timestamp pair.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrMalformed marks a transaction record that cannot be ingested.
var ErrMalformed = errors.New("malformed transaction")

// Transaction is a single observed on-chain transfer. Immutable once
// observed; uniquely identified by (Blockchain, Hash).
type Transaction struct {
	Blockchain  string          `json:"blockchain"`
	Hash        string          `json:"hash"`
	FromAddress string          `json:"fromAddress,omitempty"` // empty for contract creation / coinbase
	ToAddress   string          `json:"toAddress,omitempty"`
	Value       float64         `json:"value"`
	Fee         float64         `json:"fee"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      string          `json:"status,omitempty"`
	RawPayload  json.RawMessage `json:"rawPayload,omitempty"`
}

// Validate checks the fields required for ingestion. Addresses are
// optional (a missing from_address only excludes the record from
// per-address sequence detection, not from single-transaction checks).
func (t *Transaction) Validate() error {
	if t.Blockchain == "" {
		return fmt.Errorf("%w: missing blockchain", ErrMalformed)
	}
	if t.Hash == "" {
		return fmt.Errorf("%w: missing hash", ErrMalformed)
	}
	if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) || t.Value < 0 {
		return fmt.Errorf("%w: unusable value", ErrMalformed)
	}
	return nil
}

// Usable reports whether the record carries the value and timestamp
// needed for feature extraction. Unusable records are skipped from
// aggregate computation, never a batch-level error.
func (t *Transaction) Usable() bool {
	return !t.Timestamp.IsZero() &&
		!math.IsNaN(t.Value) && !math.IsInf(t.Value, 0) && t.Value >= 0
}

// Ref returns the (blockchain, hash) identity as a single string.
func (t *Transaction) Ref() string {
	return t.Blockchain + ":" + t.Hash
}

// NormalizeAddress lowercases an address for use as a grouping key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}

// SortByTimestamp orders transactions by timestamp ascending, in place.
// Equal timestamps keep their relative order so replays are stable.
func SortByTimestamp(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})
}

// Source supplies ordered historic transactions for an address.
// Implementations poll a node, read a database, or replay a fixture;
// the engine only depends on this contract.
type Source interface {
	// ListTransactions returns transactions touching address with
	// timestamps in (since, until], ordered ascending. A zero until
	// means "now".
	ListTransactions(ctx context.Context, address string, since, until time.Time) ([]Transaction, error)
}
