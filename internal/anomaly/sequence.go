package anomaly

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/feature"
)

const (
	// SequenceLength is the fixed window size for next-value prediction.
	SequenceLength = 10

	// minTrainRecords is the smallest batch Train accepts: one full
	// window plus enough following samples to fit on.
	minTrainRecords = SequenceLength + 10

	// predictionConfidence is a fixed constant, not statistically
	// derived. Callers must not treat it as calibrated.
	predictionConfidence = 0.8

	defaultEpochs       = 50
	defaultLearningRate = 0.01
)

// Prediction is the output of PredictNext.
type Prediction struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// seqState is one fitted generation of the sequence model: a value
// scaler plus autoregressive weights over the scaled window.
type seqState struct {
	scaler     feature.MinMaxScaler
	weights    [SequenceLength]float64
	bias       float64
	generation uint64
	trainedAt  time.Time
	samples    int
}

// SequenceModel predicts the next transaction value from a fixed-length
// window of prior values and flags large relative deviations.
//
// Training swaps the fitted state behind an atomic pointer; detection
// captures the pointer once per call and never observes a half-trained
// model. Detection calls are safe to run concurrently across addresses.
type SequenceModel struct {
	state  atomic.Pointer[seqState]
	gen    atomic.Uint64
	logger *slog.Logger
}

// NewSequenceModel creates an untrained sequence model.
func NewSequenceModel(logger *slog.Logger) *SequenceModel {
	return &SequenceModel{logger: logger}
}

// Trained reports whether a fitted state has been published.
func (m *SequenceModel) Trained() bool { return m.state.Load() != nil }

// Generation returns the fitted generation counter, 0 when untrained.
func (m *SequenceModel) Generation() uint64 {
	if s := m.state.Load(); s != nil {
		return s.generation
	}
	return 0
}

// TrainOptions bound the training loop.
type TrainOptions struct {
	Epochs       int
	LearningRate float64
}

// Train fits a new generation on the batch and publishes it atomically.
// The batch is sorted by timestamp before windowing; records without a
// usable value are skipped. Fewer than SequenceLength+10 usable records
// is a no-op returning ErrInsufficientData, leaving any prior trained
// state intact.
func (m *SequenceModel) Train(txs []chain.Transaction, opts TrainOptions) error {
	if opts.Epochs <= 0 {
		opts.Epochs = defaultEpochs
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = defaultLearningRate
	}

	ordered := make([]chain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Usable() {
			ordered = append(ordered, tx)
		}
	}
	if len(ordered) < minTrainRecords {
		return fmt.Errorf("%w: need at least %d records, got %d",
			ErrInsufficientData, minTrainRecords, len(ordered))
	}
	chain.SortByTimestamp(ordered)

	values := feature.Values(ordered)
	scaler := feature.FitMinMax(values)
	scaled := scaler.ScaleAll(values)

	next := &seqState{
		scaler:     scaler,
		generation: m.gen.Add(1),
		trainedAt:  time.Now(),
		samples:    len(scaled) - SequenceLength,
	}

	// Start from a moving-average predictor and refine by SGD.
	for i := range next.weights {
		next.weights[i] = 1.0 / SequenceLength
	}

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		for i := 0; i+SequenceLength < len(scaled); i++ {
			window := scaled[i : i+SequenceLength]
			target := scaled[i+SequenceLength]

			pred := next.bias
			for j, w := range next.weights {
				pred += w * window[j]
			}

			grad := pred - target
			for j := range next.weights {
				next.weights[j] -= opts.LearningRate * grad * window[j]
			}
			next.bias -= opts.LearningRate * grad
		}
	}

	m.state.Store(next)
	m.logger.Info("sequence model trained",
		"generation", next.generation,
		"samples", next.samples,
		"epochs", opts.Epochs,
	)
	return nil
}

// PredictNext predicts the value following a window of exactly
// SequenceLength raw values. The window is scaled with the fitted
// scaler; the prediction is returned in original units with a fixed
// confidence constant.
func (m *SequenceModel) PredictNext(window []float64) (Prediction, error) {
	s := m.state.Load()
	if s == nil {
		return Prediction{}, ErrNotTrained
	}
	if len(window) != SequenceLength {
		return Prediction{}, fmt.Errorf("%w: got %d", ErrBadWindow, len(window))
	}

	pred := s.bias
	for j, w := range s.weights {
		pred += w * s.scaler.Scale(window[j])
	}

	return Prediction{
		Value:      s.scaler.Unscale(pred),
		Confidence: predictionConfidence,
	}, nil
}

// DetectAnomalies slides a window of SequenceLength over each sending
// address's time-ordered transactions and flags the transaction
// following a window when its relative deviation from the predicted
// value exceeds threshold. A predicted value of zero or less is not
// evaluable: the point is skipped, never flagged and never an error.
// Addresses with fewer than SequenceLength+1 transactions contribute no
// findings.
func (m *SequenceModel) DetectAnomalies(txs []chain.Transaction, threshold float64) ([]Finding, error) {
	s := m.state.Load()
	if s == nil {
		return nil, ErrNotTrained
	}

	var findings []Finding
	for _, group := range feature.GroupByFrom(txs) {
		if len(group) <= SequenceLength {
			continue
		}
		values := feature.Values(group)

		for i := 0; i+SequenceLength < len(group); i++ {
			pred := s.bias
			for j, w := range s.weights {
				pred += w * s.scaler.Scale(values[i+j])
			}
			predicted := s.scaler.Unscale(pred)
			if predicted <= 0 {
				continue // not evaluable, not an anomaly
			}

			next := group[i+SequenceLength]
			deviation := abs(next.Value-predicted) / predicted
			if deviation > threshold {
				findings = append(findings, Finding{
					Tx:             next,
					Kind:           KindSequence,
					Score:          deviation,
					Deviation:      deviation,
					PredictedValue: predicted,
				})
			}
		}
	}

	m.logger.Debug("sequence detection pass complete",
		"generation", s.generation,
		"transactions", len(txs),
		"findings", len(findings),
	)
	return findings, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
