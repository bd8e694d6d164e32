package risk

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // address or tx ref → assessments
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func storeKey(a *Assessment) string {
	if a.Address != "" {
		return a.Address
	}
	return a.TxRef
}

func (s *MemoryStore) Record(ctx context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *assessment
	a.Factors = append([]Factor(nil), assessment.Factors...)

	key := storeKey(assessment)
	s.assessments[key] = append(s.assessments[key], &a)
	return nil
}

func (s *MemoryStore) ListByAddress(ctx context.Context, address string, before time.Time, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[address]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	result := make([]*Assessment, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if !before.IsZero() && !all[i].EvaluatedAt.Before(before) {
			continue
		}
		a := *all[i]
		a.Factors = append([]Factor(nil), all[i].Factors...)
		result = append(result, &a)
	}
	return result, nil
}
