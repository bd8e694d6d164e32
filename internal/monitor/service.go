// Package monitor runs the detection engine as a long-lived service:
// it periodically scans monitored addresses, feeds their history
// through the anomaly models and the risk engine, and hands findings
// to the alert correlator.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/chainwatch/internal/alerting"
	"github.com/mbd888/chainwatch/internal/anomaly"
	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/flowgraph"
	"github.com/mbd888/chainwatch/internal/metrics"
	"github.com/mbd888/chainwatch/internal/realtime"
	"github.com/mbd888/chainwatch/internal/risk"
	"github.com/mbd888/chainwatch/internal/traces"
)

// MonitorLister supplies the set of wallet monitors to scan. Satisfied
// by the alerting stores.
type MonitorLister interface {
	Monitors(ctx context.Context) ([]alerting.WalletMonitor, error)
}

// Service drives periodic scans over monitored addresses.
type Service struct {
	source     chain.Source
	sequence   *anomaly.SequenceModel
	outlier    *anomaly.OutlierModel
	engine     *risk.Engine
	correlator *alerting.Correlator
	monitors   MonitorLister
	hub        *realtime.Hub
	logger     *slog.Logger
	pool       *Pool

	interval  time.Duration
	history   time.Duration
	threshold float64

	mu      sync.Mutex
	lastRun map[string]time.Time

	stop    chan struct{}
	running atomic.Bool
}

// NewService creates a monitor service with default intervals.
func NewService(source chain.Source, seq *anomaly.SequenceModel, out *anomaly.OutlierModel,
	engine *risk.Engine, correlator *alerting.Correlator, monitors MonitorLister, logger *slog.Logger) *Service {
	return &Service{
		source:     source,
		sequence:   seq,
		outlier:    out,
		engine:     engine,
		correlator: correlator,
		monitors:   monitors,
		logger:     logger,
		pool:       NewPool(4),
		interval:   1 * time.Minute,
		history:    24 * time.Hour,
		threshold:  1.0,
		lastRun:    make(map[string]time.Time),
		stop:       make(chan struct{}),
	}
}

// WithHub attaches a realtime hub for event broadcasting.
func (s *Service) WithHub(hub *realtime.Hub) *Service {
	s.hub = hub
	return s
}

// WithScanInterval overrides the scan interval.
func (s *Service) WithScanInterval(d time.Duration) *Service {
	s.interval = d
	return s
}

// WithHistoryWindow overrides how far back the first scan of an
// address reaches.
func (s *Service) WithHistoryWindow(d time.Duration) *Service {
	s.history = d
	return s
}

// WithAnomalyThreshold overrides the sequence-deviation threshold.
func (s *Service) WithAnomalyThreshold(t float64) *Service {
	s.threshold = t
	return s
}

// WithWorkers overrides the worker pool size.
func (s *Service) WithWorkers(n int) *Service {
	s.pool = NewPool(n)
	return s
}

// Running reports whether the scan loop is active.
func (s *Service) Running() bool {
	return s.running.Load()
}

// Start runs the scan loop until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.pool.Start(ctx)
	defer s.pool.Close()

	s.logger.Info("monitor service started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeScan(ctx)
		}
	}
}

// Stop signals the scan loop to stop.
func (s *Service) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Service) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in monitor scan", "panic", fmt.Sprint(r))
		}
	}()
	s.scan(ctx)
}

// scan enumerates monitored addresses and submits one unit of work per
// distinct (address, blockchain) pair.
func (s *Service) scan(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}()

	monitors, err := s.monitors.Monitors(ctx)
	if err != nil {
		s.logger.Error("failed to list monitors", "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, m := range monitors {
		if !m.AlertEnabled {
			continue
		}
		key := m.Blockchain + ":" + chain.NormalizeAddress(m.WalletAddress)
		if seen[key] {
			continue
		}
		seen[key] = true

		address, blockchain := m.WalletAddress, m.Blockchain
		err := s.pool.Submit(ctx, key, func(ctx context.Context) {
			s.scanAddress(ctx, key, address, blockchain)
		})
		if err != nil {
			return
		}
	}
}

// scanAddress processes one address's new transactions: risk scoring,
// anomaly detection, flow analysis, and alert correlation.
func (s *Service) scanAddress(ctx context.Context, key, address, blockchain string) {
	ctx, span := traces.StartSpan(ctx, "monitor.scan_address",
		traces.Address(address), traces.Blockchain(blockchain))
	defer span.End()

	now := time.Now()
	since := s.sinceFor(key, now)

	txs, err := s.source.ListTransactions(ctx, address, since, now)
	if err != nil {
		s.logger.Warn("failed to fetch transactions", "address", address, "error", err)
		return
	}
	if len(txs) == 0 {
		s.markScanned(key, now)
		return
	}

	metrics.TransactionsObserved.WithLabelValues(blockchain).Add(float64(len(txs)))

	for i := range txs {
		tx := &txs[i]
		s.broadcastTransaction(tx)

		assessment := s.engine.AnalyzeTransaction(ctx, tx, related(txs, i))
		if assessment.Suspicious {
			metrics.SuspiciousAssessmentsTotal.Inc()
			s.broadcastAssessment(assessment)
		}

		if _, err := s.correlator.ProcessTransaction(ctx, tx); err != nil {
			s.logger.Error("large-transaction correlation failed", "tx", tx.Ref(), "error", err)
		}
	}

	s.detect(ctx, txs)
	s.analyzeFlow(ctx, txs)
	s.markScanned(key, now)
}

// detect runs both anomaly models over the batch and correlates any
// findings. An untrained model is skipped, not an error.
func (s *Service) detect(ctx context.Context, txs []chain.Transaction) {
	findings, err := s.sequence.DetectAnomalies(txs, s.threshold)
	if err != nil && !errors.Is(err, anomaly.ErrNotTrained) {
		s.logger.Error("sequence detection failed", "error", err)
	}

	outliers, err := s.outlier.DetectAnomalies(txs)
	if err != nil && !errors.Is(err, anomaly.ErrNotTrained) {
		s.logger.Error("outlier detection failed", "error", err)
	}
	findings = append(findings, outliers...)

	for i := range findings {
		f := &findings[i]
		metrics.FindingsTotal.WithLabelValues(string(f.Kind)).Inc()
		ev := alerting.FromFinding(f)
		alerts, err := s.correlator.ProcessAnomaly(ctx, ev)
		if err != nil {
			s.logger.Error("anomaly correlation failed", "tx", f.Tx.Ref(), "error", err)
		}
		s.countAlerts(alerts)
		s.broadcastFinding(f)
	}
}

// analyzeFlow runs the fund-flow analyzer once over the batch, anchored
// on the newest transaction, and correlates a dispersion event if one
// fires.
func (s *Service) analyzeFlow(ctx context.Context, txs []chain.Transaction) {
	latest := txs[len(txs)-1]
	analysis := flowgraph.Analyze(&latest, txs)
	if !analysis.FundDispersion {
		return
	}

	ev := alerting.FromDispersion(latest, analysis.DispersionCount)
	alerts, err := s.correlator.ProcessAnomaly(ctx, ev)
	if err != nil {
		s.logger.Error("dispersion correlation failed", "tx", latest.Ref(), "error", err)
	}
	s.countAlerts(alerts)
}

func (s *Service) countAlerts(alerts []*alerting.Alert) {
	for _, a := range alerts {
		metrics.AlertsCreatedTotal.WithLabelValues(string(a.AlertType), string(a.Severity)).Inc()
		s.broadcastAlert(a)
	}
}

func (s *Service) sinceFor(key string, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastRun[key]; ok {
		return last
	}
	return now.Add(-s.history)
}

func (s *Service) markScanned(key string, at time.Time) {
	s.mu.Lock()
	s.lastRun[key] = at
	s.mu.Unlock()
}

func (s *Service) broadcastTransaction(tx *chain.Transaction) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastTransaction(map[string]interface{}{
		"blockchain":  tx.Blockchain,
		"hash":        tx.Hash,
		"fromAddress": tx.FromAddress,
		"toAddress":   tx.ToAddress,
		"value":       tx.Value,
	})
}

func (s *Service) broadcastAssessment(a *risk.Assessment) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastAssessment(map[string]interface{}{
		"id":         a.ID,
		"txRef":      a.TxRef,
		"address":    a.Address,
		"riskScore":  a.RiskScore,
		"suspicious": a.Suspicious,
	})
}

func (s *Service) broadcastFinding(f *anomaly.Finding) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastFinding(map[string]interface{}{
		"kind":           string(f.Kind),
		"txRef":          f.Tx.Ref(),
		"fromAddress":    f.Tx.FromAddress,
		"score":          f.Score,
		"deviation":      f.Deviation,
		"predictedValue": f.PredictedValue,
	})
}

func (s *Service) broadcastAlert(a *alerting.Alert) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastAlert(map[string]interface{}{
		"id":        a.ID,
		"userId":    a.UserID,
		"alertType": string(a.AlertType),
		"severity":  string(a.Severity),
		"title":     a.Title,
	})
}

// related returns every transaction in the batch except the one at i.
func related(txs []chain.Transaction, i int) []chain.Transaction {
	if len(txs) <= 1 {
		return nil
	}
	out := make([]chain.Transaction, 0, len(txs)-1)
	out = append(out, txs[:i]...)
	out = append(out, txs[i+1:]...)
	return out
}
