package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/flowgraph"
	"github.com/mbd888/chainwatch/internal/idgen"
	"github.com/mbd888/chainwatch/internal/traces"
)

// Engine scores transactions and addresses. Pure in-memory computation;
// safe for concurrent use once constructed.
type Engine struct {
	store            Store
	largeTxThreshold float64
}

// NewEngine creates a risk scoring engine backed by the given audit store.
// A nil store disables the audit trail.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:            store,
		largeTxThreshold: DefaultLargeTxThreshold,
	}
}

// WithLargeTxThreshold overrides the default large-transaction threshold.
func (e *Engine) WithLargeTxThreshold(t float64) *Engine {
	e.largeTxThreshold = t
	return e
}

// LargeTxThreshold returns the configured large-transaction threshold.
func (e *Engine) LargeTxThreshold() float64 { return e.largeTxThreshold }

// IsLargeTransaction reports whether the transaction's value meets the
// large-transaction threshold.
func (e *Engine) IsLargeTransaction(tx *chain.Transaction) bool {
	return tx.Value >= e.largeTxThreshold
}

// AnalyzeTransaction scores a single transaction, optionally running
// fund-flow analysis over a caller-supplied related set. The score
// starts at zero and accumulates per-signal weights; the aggregate
// suspicion threshold is applied last.
func (e *Engine) AnalyzeTransaction(ctx context.Context, tx *chain.Transaction, related []chain.Transaction) *Assessment {
	_, span := traces.StartSpan(ctx, "risk.analyze_transaction", traces.TxRef(tx.Ref()))
	defer span.End()

	a := &Assessment{
		ID:          idgen.WithPrefix("risk_"),
		TxRef:       tx.Ref(),
		EvaluatedAt: time.Now(),
	}

	if e.IsLargeTransaction(tx) {
		a.RiskScore += weightLargeTx
		a.Suspicious = true
		a.Factors = append(a.Factors, Factor{
			Name:   "large_transaction",
			Weight: weightLargeTx,
			Reason: fmt.Sprintf("value %g at or above large-transaction threshold %g", tx.Value, e.largeTxThreshold),
		})
	}

	if len(related) > 0 {
		flow := flowgraph.Analyze(tx, related)
		a.FlowAnalysis = &flow
		a.RelatedEntities = relatedEntities(tx, related)

		if flow.FundDispersion {
			a.RiskScore += weightDispersion
			a.Suspicious = true
			a.Factors = append(a.Factors, Factor{
				Name:   "fund_dispersion",
				Weight: weightDispersion,
				Reason: fmt.Sprintf("source fanned out to %d transfers", flow.DispersionCount),
			})
		}
	}

	a.RiskScore = clamp(a.RiskScore)
	if a.RiskScore >= suspicionThreshold {
		a.Suspicious = true
	}
	span.SetAttributes(traces.RiskScore(a.RiskScore))

	e.audit(a)
	return a
}

// CalculateAddressRisk scores an address over its transaction history.
// Each triggered factor is recorded with a human-readable reason; the
// final score is clamped to [0, 1].
func (e *Engine) CalculateAddressRisk(ctx context.Context, address string, txs []chain.Transaction) *Assessment {
	address = chain.NormalizeAddress(address)
	_, span := traces.StartSpan(ctx, "risk.calculate_address_risk", traces.Address(address))
	defer span.End()

	a := &Assessment{
		ID:          idgen.WithPrefix("risk_"),
		Address:     address,
		TxCount:     len(txs),
		EvaluatedAt: time.Now(),
	}
	if len(txs) == 0 {
		return a
	}

	var outgoing []chain.Transaction
	largeCount := 0
	nightCount := 0
	var first, last time.Time
	timestamped := 0

	for _, tx := range txs {
		if chain.NormalizeAddress(tx.FromAddress) == address {
			outgoing = append(outgoing, tx)
		}
		if e.IsLargeTransaction(&tx) {
			largeCount++
		}
		if tx.Timestamp.IsZero() {
			continue
		}
		timestamped++
		if first.IsZero() || tx.Timestamp.Before(first) {
			first = tx.Timestamp
		}
		if tx.Timestamp.After(last) {
			last = tx.Timestamp
		}
		if h := tx.Timestamp.Hour(); h >= 0 && h < 5 {
			nightCount++
		}
	}

	if largeCount > 0 {
		a.RiskScore += weightAddrLargeTx
		a.Factors = append(a.Factors, Factor{
			Name:   "large_transactions",
			Weight: weightAddrLargeTx,
			Reason: fmt.Sprintf("%d large transactions in history", largeCount),
		})
	}

	if len(outgoing) > 0 {
		recipients := make(map[string]int)
		for _, tx := range outgoing {
			if tx.ToAddress != "" {
				recipients[chain.NormalizeAddress(tx.ToAddress)]++
			}
		}
		if len(recipients) > 5 && float64(len(outgoing))/float64(len(recipients)) < 2 {
			a.RiskScore += weightAddrDispersion
			a.Factors = append(a.Factors, Factor{
				Name:   "dispersion_pattern",
				Weight: weightAddrDispersion,
				Reason: fmt.Sprintf("%d outgoing transfers spread across %d recipients", len(outgoing), len(recipients)),
			})
		}
	}

	if timestamped > 0 {
		span := last.Sub(first).Seconds()
		if span > 0 {
			perDay := float64(timestamped) / (span / 86400)
			if perDay > 10 {
				a.RiskScore += weightAddrHighRate
				a.Factors = append(a.Factors, Factor{
					Name:   "high_frequency",
					Weight: weightAddrHighRate,
					Reason: fmt.Sprintf("transaction rate %.1f/day over observed span", perDay),
				})
			}
		}

		if float64(nightCount)/float64(len(txs)) > 0.3 {
			a.RiskScore += weightAddrNightOwl
			a.Factors = append(a.Factors, Factor{
				Name:   "night_activity",
				Weight: weightAddrNightOwl,
				Reason: fmt.Sprintf("%d of %d transactions between 00:00 and 05:00", nightCount, len(txs)),
			})
		}
	}

	a.RiskScore = clamp(a.RiskScore)
	if a.RiskScore >= suspicionThreshold {
		a.Suspicious = true
	}
	span.SetAttributes(traces.RiskScore(a.RiskScore))

	e.audit(a)
	return a
}

// audit persists the assessment asynchronously (best-effort trail).
func (e *Engine) audit(a *Assessment) {
	if e.store == nil {
		return
	}
	go func() {
		_ = e.store.Record(context.Background(), a)
	}()
}

// relatedEntities collects the distinct counterparties adjacent to the
// focal transaction in the related set.
func relatedEntities(tx *chain.Transaction, related []chain.Transaction) []string {
	focal := map[string]bool{
		chain.NormalizeAddress(tx.FromAddress): true,
		chain.NormalizeAddress(tx.ToAddress):   true,
	}
	seen := make(map[string]bool)
	var out []string
	for _, rtx := range related {
		for _, addr := range []string{rtx.FromAddress, rtx.ToAddress} {
			addr = chain.NormalizeAddress(addr)
			if addr == "" || focal[addr] || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

func clamp(score float64) float64 {
	if score > 1.0 {
		return 1.0
	}
	if score < 0.0 {
		return 0.0
	}
	return score
}
