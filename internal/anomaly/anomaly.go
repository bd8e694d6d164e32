// Package anomaly implements the two transaction anomaly models: a
// sequence predictor that flags large deviations from the expected next
// value in an address's transaction stream, and an isolation-forest
// outlier detector that flags points outside the learned multivariate
// boundary regardless of order.
//
// Both models follow the same lifecycle: untrained until an explicit
// Train call succeeds, then trained until explicitly retrained. Training
// publishes a new fitted state behind an atomic pointer, so in-flight
// detections against the previous state complete consistently.
package anomaly

import (
	"errors"

	"github.com/mbd888/chainwatch/internal/chain"
)

var (
	// ErrNotTrained is returned when inference is requested before a
	// successful Train call. Never silently answered with zeros.
	ErrNotTrained = errors.New("model is not trained")

	// ErrInsufficientData is returned when a training batch is too
	// small to fit on. Non-fatal; callers retry with more history.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrBadWindow is returned when a prediction window does not have
	// exactly SequenceLength values.
	ErrBadWindow = errors.New("window must contain exactly SequenceLength values")
)

// Kind tags which model produced a finding.
type Kind string

const (
	KindSequence Kind = "sequence"
	KindOutlier  Kind = "outlier"
)

// Finding is a single flagged transaction. Ephemeral: produced by a
// model, consumed by the risk scorer and alert correlator.
type Finding struct {
	Tx             chain.Transaction `json:"tx"`
	Kind           Kind              `json:"kind"`
	Score          float64           `json:"score"`
	Deviation      float64           `json:"deviation,omitempty"`
	PredictedValue float64           `json:"predictedValue,omitempty"`
}
