package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainwatch/internal/testutil"
)

func TestPostgresStoreRecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, &Assessment{
			ID:          fmt.Sprintf("risk_%d", i),
			Address:     "0xaaa",
			RiskScore:   float64(i) * 0.2,
			Suspicious:  i == 2,
			Factors:     []Factor{{Name: "large_transactions", Weight: 0.2, Reason: "test"}},
			EvaluatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := s.ListByAddress(ctx, "0xaaa", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "risk_2", got[0].ID)
	assert.True(t, got[0].Suspicious)
	require.Len(t, got[0].Factors, 1)
	assert.Equal(t, "large_transactions", got[0].Factors[0].Name)

	// Cutoff pages past the newest row.
	got, err = s.ListByAddress(ctx, "0xaaa", base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "risk_1", got[0].ID)

	got, err = s.ListByAddress(ctx, "0xaaa", time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.ListByAddress(ctx, "0xzzz", time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
