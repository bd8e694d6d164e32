package anomaly

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainwatch/internal/chain"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// txStream builds hourly transactions from a single address with the
// given values, oldest first.
func txStream(from string, values []float64) []chain.Transaction {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	txs := make([]chain.Transaction, len(values))
	for i, v := range values {
		txs[i] = chain.Transaction{
			Blockchain:  "ethereum",
			Hash:        fmt.Sprintf("0x%s%04d", from, i),
			FromAddress: from,
			ToAddress:   "0xrecipient",
			Value:       v,
			Fee:         0.5,
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
		}
	}
	return txs
}

func constantValues(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSequenceModelUntrained(t *testing.T) {
	m := NewSequenceModel(testLogger(t))

	assert.False(t, m.Trained())
	assert.Equal(t, uint64(0), m.Generation())

	_, err := m.PredictNext(constantValues(SequenceLength, 100))
	assert.ErrorIs(t, err, ErrNotTrained)

	_, err = m.DetectAnomalies(txStream("0xaaa", constantValues(12, 100)), 1.0)
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestSequenceModelTrainInsufficientData(t *testing.T) {
	m := NewSequenceModel(testLogger(t))

	err := m.Train(txStream("0xaaa", constantValues(19, 100)), TrainOptions{})
	require.ErrorIs(t, err, ErrInsufficientData)
	assert.False(t, m.Trained())
}

func TestSequenceModelTrainKeepsPriorOnFailure(t *testing.T) {
	m := NewSequenceModel(testLogger(t))

	require.NoError(t, m.Train(txStream("0xaaa", constantValues(30, 100)), TrainOptions{}))
	gen := m.Generation()
	require.Equal(t, uint64(1), gen)

	err := m.Train(nil, TrainOptions{})
	require.ErrorIs(t, err, ErrInsufficientData)
	assert.True(t, m.Trained())
	assert.Equal(t, gen, m.Generation())

	require.NoError(t, m.Train(txStream("0xaaa", constantValues(30, 100)), TrainOptions{}))
	assert.Equal(t, uint64(2), m.Generation())
}

func TestSequenceModelPredictNext(t *testing.T) {
	m := NewSequenceModel(testLogger(t))
	require.NoError(t, m.Train(txStream("0xaaa", constantValues(30, 100)), TrainOptions{}))

	pred, err := m.PredictNext(constantValues(SequenceLength, 100))
	require.NoError(t, err)
	assert.InDelta(t, 100, pred.Value, 1e-9)
	assert.Equal(t, 0.8, pred.Confidence)

	_, err = m.PredictNext(constantValues(5, 100))
	assert.ErrorIs(t, err, ErrBadWindow)
}

func TestSequenceModelDetectsDeviation(t *testing.T) {
	m := NewSequenceModel(testLogger(t))
	require.NoError(t, m.Train(txStream("0xaaa", constantValues(30, 100)), TrainOptions{}))

	// Ten steady values then a 2.5x spike: deviation 1.5 at threshold 1.0.
	values := append(constantValues(10, 100), 250)
	findings, err := m.DetectAnomalies(txStream("0xbbb", values), 1.0)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, KindSequence, f.Kind)
	assert.Equal(t, 250.0, f.Tx.Value)
	assert.InDelta(t, 100, f.PredictedValue, 1e-9)
	assert.InDelta(t, 1.5, f.Deviation, 1e-9)
}

func TestSequenceModelSmallDeviationNotFlagged(t *testing.T) {
	m := NewSequenceModel(testLogger(t))
	require.NoError(t, m.Train(txStream("0xaaa", constantValues(30, 100)), TrainOptions{}))

	values := append(constantValues(10, 100), 120)
	findings, err := m.DetectAnomalies(txStream("0xbbb", values), 1.0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestSequenceModelShortGroupSkipped(t *testing.T) {
	m := NewSequenceModel(testLogger(t))
	require.NoError(t, m.Train(txStream("0xaaa", constantValues(30, 100)), TrainOptions{}))

	// Exactly SequenceLength transactions: no window has a successor.
	values := append(constantValues(9, 100), 100000)
	findings, err := m.DetectAnomalies(txStream("0xbbb", values), 1.0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestSequenceModelNonPositivePredictionSkipped(t *testing.T) {
	m := NewSequenceModel(testLogger(t))

	// A constant-zero series fits a degenerate scaler whose predictions
	// are always zero, so nothing is evaluable.
	require.NoError(t, m.Train(txStream("0xaaa", constantValues(30, 0)), TrainOptions{}))

	values := append(constantValues(10, 0), 500)
	findings, err := m.DetectAnomalies(txStream("0xbbb", values), 1.0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestSequenceModelGroupsBySender(t *testing.T) {
	m := NewSequenceModel(testLogger(t))
	require.NoError(t, m.Train(txStream("0xaaa", constantValues(30, 100)), TrainOptions{}))

	// Interleaving two senders: neither accumulates a full window.
	var mixed []chain.Transaction
	a := txStream("0xbbb", constantValues(6, 100))
	b := txStream("0xccc", append(constantValues(5, 100), 100000))
	mixed = append(mixed, a...)
	mixed = append(mixed, b...)

	findings, err := m.DetectAnomalies(mixed, 1.0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}
