package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainwatch/internal/chain"
)

func tx(from, to string, value float64, at time.Time) chain.Transaction {
	return chain.Transaction{
		Blockchain:  "ethereum",
		Hash:        fmt.Sprintf("0x%s-%s-%d", from, to, at.UnixNano()),
		FromAddress: from,
		ToAddress:   to,
		Value:       value,
		Timestamp:   at,
	}
}

func TestAnalyzeTransactionClean(t *testing.T) {
	e := NewEngine(nil)
	focal := tx("0xaaa", "0xbbb", 100, time.Now())

	a := e.AnalyzeTransaction(context.Background(), &focal, nil)
	assert.Zero(t, a.RiskScore)
	assert.False(t, a.Suspicious)
	assert.Empty(t, a.Factors)
	assert.Nil(t, a.FlowAnalysis)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, focal.Ref(), a.TxRef)
}

func TestAnalyzeTransactionLarge(t *testing.T) {
	e := NewEngine(nil)
	focal := tx("0xaaa", "0xbbb", 500000, time.Now())

	a := e.AnalyzeTransaction(context.Background(), &focal, nil)
	assert.InDelta(t, 0.5, a.RiskScore, 1e-9)
	assert.True(t, a.Suspicious)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, "large_transaction", a.Factors[0].Name)
}

func TestAnalyzeTransactionThresholdBoundary(t *testing.T) {
	e := NewEngine(nil).WithLargeTxThreshold(1000)

	below := tx("0xaaa", "0xbbb", 999, time.Now())
	assert.False(t, e.AnalyzeTransaction(context.Background(), &below, nil).Suspicious)

	at := tx("0xaaa", "0xbbb", 1000, time.Now())
	assert.True(t, e.AnalyzeTransaction(context.Background(), &at, nil).Suspicious)
}

func TestAnalyzeTransactionDispersion(t *testing.T) {
	e := NewEngine(nil)
	now := time.Now()
	focal := tx("0xsrc", "0xr1", 100, now)
	related := []chain.Transaction{
		tx("0xsrc", "0xr2", 100, now),
		tx("0xsrc", "0xr3", 100, now),
		tx("0xsrc", "0xr4", 100, now),
	}

	a := e.AnalyzeTransaction(context.Background(), &focal, related)
	assert.InDelta(t, 0.3, a.RiskScore, 1e-9)
	assert.True(t, a.Suspicious)
	require.NotNil(t, a.FlowAnalysis)
	assert.True(t, a.FlowAnalysis.FundDispersion)
	assert.Equal(t, 4, a.FlowAnalysis.DispersionCount)
	assert.ElementsMatch(t, []string{"0xr2", "0xr3", "0xr4"}, a.RelatedEntities)
}

func TestAnalyzeTransactionLargeAndDispersion(t *testing.T) {
	e := NewEngine(nil)
	now := time.Now()
	focal := tx("0xsrc", "0xr1", 600000, now)
	related := []chain.Transaction{
		tx("0xsrc", "0xr2", 100, now),
		tx("0xsrc", "0xr3", 100, now),
		tx("0xsrc", "0xr4", 100, now),
	}

	a := e.AnalyzeTransaction(context.Background(), &focal, related)
	assert.InDelta(t, 0.8, a.RiskScore, 1e-9)
	assert.True(t, a.Suspicious)
	assert.Len(t, a.Factors, 2)
}

func TestCalculateAddressRiskEmpty(t *testing.T) {
	e := NewEngine(nil)
	a := e.CalculateAddressRisk(context.Background(), "0xAAA", nil)
	assert.Equal(t, "0xaaa", a.Address)
	assert.Zero(t, a.RiskScore)
	assert.False(t, a.Suspicious)
	assert.Zero(t, a.TxCount)
}

func TestCalculateAddressRiskLargeHistory(t *testing.T) {
	e := NewEngine(nil)
	// Daytime, low-rate history with one large transfer.
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	txs := []chain.Transaction{
		tx("0xaaa", "0xbbb", 600000, base),
		tx("0xaaa", "0xbbb", 100, base.AddDate(0, 0, 2)),
		tx("0xaaa", "0xbbb", 100, base.AddDate(0, 0, 4)),
	}

	a := e.CalculateAddressRisk(context.Background(), "0xaaa", txs)
	assert.InDelta(t, 0.2, a.RiskScore, 1e-9)
	assert.False(t, a.Suspicious)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, "large_transactions", a.Factors[0].Name)
	assert.Equal(t, 3, a.TxCount)
}

func TestCalculateAddressRiskDispersionPattern(t *testing.T) {
	e := NewEngine(nil)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	// Six transfers to six distinct recipients: fires.
	var spread []chain.Transaction
	for i := 0; i < 6; i++ {
		spread = append(spread, tx("0xaaa", fmt.Sprintf("0xr%d", i), 100, base.AddDate(0, 0, i)))
	}
	a := e.CalculateAddressRisk(context.Background(), "0xaaa", spread)
	assert.InDelta(t, 0.3, a.RiskScore, 1e-9)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, "dispersion_pattern", a.Factors[0].Name)

	// Five distinct recipients: does not fire.
	var five []chain.Transaction
	for i := 0; i < 5; i++ {
		five = append(five, tx("0xaaa", fmt.Sprintf("0xr%d", i), 100, base.AddDate(0, 0, i)))
	}
	a = e.CalculateAddressRisk(context.Background(), "0xaaa", five)
	assert.Zero(t, a.RiskScore)

	// Six recipients but repeat traffic dominates: ratio >= 2, no fire.
	var repeat []chain.Transaction
	for i := 0; i < 6; i++ {
		for j := 0; j < 2; j++ {
			repeat = append(repeat, tx("0xaaa", fmt.Sprintf("0xr%d", i), 100, base.AddDate(0, 0, i).Add(time.Duration(j)*time.Hour)))
		}
	}
	a = e.CalculateAddressRisk(context.Background(), "0xaaa", repeat)
	for _, f := range a.Factors {
		assert.NotEqual(t, "dispersion_pattern", f.Name)
	}
}

func TestCalculateAddressRiskHighFrequency(t *testing.T) {
	e := NewEngine(nil)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	// 24 transactions inside a single day: rate well above 10/day.
	var txs []chain.Transaction
	for i := 0; i < 24; i++ {
		txs = append(txs, tx("0xbbb", "0xaaa", 100, base.Add(time.Duration(i)*30*time.Minute)))
	}

	a := e.CalculateAddressRisk(context.Background(), "0xaaa", txs)
	assert.InDelta(t, 0.2, a.RiskScore, 1e-9)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, "high_frequency", a.Factors[0].Name)
}

func TestCalculateAddressRiskNightActivity(t *testing.T) {
	e := NewEngine(nil)
	base := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

	// Two of three transactions between 00:00 and 05:00, days apart.
	txs := []chain.Transaction{
		tx("0xbbb", "0xaaa", 100, base),
		tx("0xbbb", "0xaaa", 100, base.AddDate(0, 0, 3)),
		tx("0xbbb", "0xaaa", 100, base.AddDate(0, 0, 6).Add(12*time.Hour)),
	}

	a := e.CalculateAddressRisk(context.Background(), "0xaaa", txs)
	assert.InDelta(t, 0.1, a.RiskScore, 1e-9)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, "night_activity", a.Factors[0].Name)
}

func TestCalculateAddressRiskAggregateSuspicion(t *testing.T) {
	e := NewEngine(nil)
	base := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

	// Large transfers, six recipients, high rate, all at night.
	var txs []chain.Transaction
	for i := 0; i < 11; i++ {
		txs = append(txs, tx("0xaaa", fmt.Sprintf("0xr%d", i%6), 600000, base.Add(time.Duration(i)*10*time.Minute)))
	}

	a := e.CalculateAddressRisk(context.Background(), "0xaaa", txs)
	assert.True(t, a.Suspicious)
	assert.InDelta(t, 0.8, a.RiskScore, 1e-9)
	assert.Len(t, a.Factors, 4)
	assert.LessOrEqual(t, a.RiskScore, 1.0)
}
