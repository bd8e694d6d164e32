package chain

import (
	"context"
	"sync"
	"time"
)

// MemorySource buffers observed transactions in memory and serves them
// back as a Source. It sits between a push-style poller and the
// detection engine's pull-style consumers.
type MemorySource struct {
	mu        sync.RWMutex
	byAddress map[string][]Transaction
	seen      map[string]bool
	retention time.Duration
}

// NewMemorySource creates a source retaining transactions for the given
// window. Zero retention keeps everything.
func NewMemorySource(retention time.Duration) *MemorySource {
	return &MemorySource{
		byAddress: make(map[string][]Transaction),
		seen:      make(map[string]bool),
		retention: retention,
	}
}

// Add records a transaction under both endpoints. Duplicate refs and
// invalid records are dropped.
func (s *MemorySource) Add(tx Transaction) {
	if tx.Validate() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := tx.Ref()
	if s.seen[ref] {
		return
	}
	s.seen[ref] = true

	for _, addr := range []string{tx.FromAddress, tx.ToAddress} {
		if addr == "" {
			continue
		}
		key := NormalizeAddress(addr)
		s.byAddress[key] = append(s.byAddress[key], tx)
	}

	if s.retention > 0 {
		s.pruneLocked(time.Now().Add(-s.retention))
	}
}

// Handler returns a TxHandler that feeds this source.
func (s *MemorySource) Handler() TxHandler {
	return func(ctx context.Context, tx Transaction) {
		s.Add(tx)
	}
}

func (s *MemorySource) ListTransactions(ctx context.Context, address string, since, until time.Time) ([]Transaction, error) {
	if until.IsZero() {
		until = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.byAddress[NormalizeAddress(address)] {
		if tx.Timestamp.After(since) && !tx.Timestamp.After(until) {
			out = append(out, tx)
		}
	}
	SortByTimestamp(out)
	return out, nil
}

// pruneLocked drops transactions older than cutoff. Caller holds s.mu.
func (s *MemorySource) pruneLocked(cutoff time.Time) {
	for key, txs := range s.byAddress {
		kept := txs[:0]
		for _, tx := range txs {
			if tx.Timestamp.After(cutoff) {
				kept = append(kept, tx)
			} else {
				delete(s.seen, tx.Ref())
			}
		}
		if len(kept) == 0 {
			delete(s.byAddress, key)
		} else {
			s.byAddress[key] = kept
		}
	}
}
