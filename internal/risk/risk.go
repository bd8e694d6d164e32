// Package risk composes the per-transaction and per-address risk
// scores from the individual detection signals: large transactions,
// fund-flow analysis, and anomaly findings.
//
// Scores range from 0.0 (clean) to 1.0 (high risk). Suspicion is
// decided twice on purpose: once per signal as it fires, and once more
// when the aggregate score crosses the suspicion threshold.
package risk

import (
	"context"
	"time"

	"github.com/mbd888/chainwatch/internal/flowgraph"
)

// Default thresholds.
const (
	// DefaultLargeTxThreshold is the value at or above which a single
	// transaction is considered large, in native units.
	DefaultLargeTxThreshold = 500000

	// suspicionThreshold is the aggregate score at which an assessment
	// is forced suspicious regardless of which signals fired.
	suspicionThreshold = 0.7
)

// Score weights per signal.
const (
	weightLargeTx        = 0.5
	weightDispersion     = 0.3
	weightAddrLargeTx    = 0.2
	weightAddrDispersion = 0.3
	weightAddrHighRate   = 0.2
	weightAddrNightOwl   = 0.1
)

// Factor records one triggered risk signal with its contribution and a
// human-readable reason.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Reason string  `json:"reason"`
}

// Assessment is the result of scoring one transaction or one address.
type Assessment struct {
	ID              string              `json:"id"`
	TxRef           string              `json:"txRef,omitempty"`
	Address         string              `json:"address,omitempty"`
	RiskScore       float64             `json:"riskScore"`
	Suspicious      bool                `json:"suspicious"`
	Factors         []Factor            `json:"factors"`
	FlowAnalysis    *flowgraph.Analysis `json:"flowAnalysis,omitempty"`
	RelatedEntities []string            `json:"relatedEntities,omitempty"`
	TxCount         int                 `json:"txCount,omitempty"`
	EvaluatedAt     time.Time           `json:"evaluatedAt"`
}

// Store persists assessments for audit trail. ListByAddress returns
// assessments evaluated strictly before the given time, newest first; a
// zero before means no upper bound.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListByAddress(ctx context.Context, address string, before time.Time, limit int) ([]*Assessment, error)
}
