package anomaly

import (
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/feature"
)

// Contamination is the fraction of training data treated as outliers
// when fitting the boundary. It is fixed at training time; inference
// takes no threshold parameter.
const Contamination = 0.05

// outlierState is one fitted generation of the outlier model.
type outlierState struct {
	scaler     feature.StandardScaler
	forest     *isoForest
	cutoff     float64 // training-set score quantile at 1-Contamination
	generation uint64
	trainedAt  time.Time
	samples    int
}

// OutlierModel learns a multivariate boundary over transaction feature
// vectors (value, fee, hour-of-day, day-of-week), independent of
// sequence order. It catches point anomalies a sequence model misses,
// such as consistently large values that are locally unremarkable but
// globally unusual.
type OutlierModel struct {
	state  atomic.Pointer[outlierState]
	gen    atomic.Uint64
	logger *slog.Logger
}

// NewOutlierModel creates an untrained outlier model.
func NewOutlierModel(logger *slog.Logger) *OutlierModel {
	return &OutlierModel{logger: logger}
}

// Trained reports whether a fitted state has been published.
func (m *OutlierModel) Trained() bool { return m.state.Load() != nil }

// Generation returns the fitted generation counter, 0 when untrained.
func (m *OutlierModel) Generation() uint64 {
	if s := m.state.Load(); s != nil {
		return s.generation
	}
	return 0
}

// Train fits a scaler and an isolation-forest boundary over the batch's
// feature vectors, then publishes the new generation atomically. An
// empty extracted feature set is a no-op returning ErrInsufficientData
// with a logged warning; prior trained state stays usable.
func (m *OutlierModel) Train(txs []chain.Transaction) error {
	batch := feature.Extract(txs)
	if len(batch.Rows) == 0 {
		m.logger.Warn("outlier training skipped: no usable features",
			"transactions", len(txs), "skipped", batch.Skipped)
		return ErrInsufficientData
	}

	scaler := feature.FitStandard(batch.Rows)
	scaled := scaler.TransformAll(batch.Rows)
	forest := fitForest(scaled)

	// The boundary is the score quantile that marks the expected
	// outlier fraction of the training data itself.
	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		scores[i] = forest.score(row)
	}
	sort.Float64s(scores)
	idx := int(math.Ceil(float64(len(scores))*(1-Contamination))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scores) {
		idx = len(scores) - 1
	}

	next := &outlierState{
		scaler:     scaler,
		forest:     forest,
		cutoff:     scores[idx],
		generation: m.gen.Add(1),
		trainedAt:  time.Now(),
		samples:    len(scaled),
	}
	m.state.Store(next)

	m.logger.Info("outlier model trained",
		"generation", next.generation,
		"samples", next.samples,
		"skipped", batch.Skipped,
		"cutoff", next.cutoff,
	)
	return nil
}

// DetectAnomalies scores every usable transaction against the fitted
// boundary and returns those outside it. Order-independent; malformed
// records are skipped, never an error.
func (m *OutlierModel) DetectAnomalies(txs []chain.Transaction) ([]Finding, error) {
	s := m.state.Load()
	if s == nil {
		return nil, ErrNotTrained
	}

	batch := feature.Extract(txs)
	var findings []Finding
	for i, row := range batch.Rows {
		score := s.forest.score(s.scaler.Transform(row))
		if score > s.cutoff {
			findings = append(findings, Finding{
				Tx:        batch.Txs[i],
				Kind:      KindOutlier,
				Score:     score,
				Deviation: score - s.cutoff,
			})
		}
	}

	m.logger.Debug("outlier detection pass complete",
		"generation", s.generation,
		"transactions", len(txs),
		"skipped", batch.Skipped,
		"findings", len(findings),
	)
	return findings, nil
}
