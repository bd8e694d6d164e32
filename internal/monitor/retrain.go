package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/chainwatch/internal/anomaly"
	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/metrics"
)

const retrainHistoryDays = 7

// RetrainTimer periodically refits both anomaly models from the
// monitored addresses' recent history. A failed fit leaves the prior
// trained state in place.
type RetrainTimer struct {
	source   chain.Source
	sequence *anomaly.SequenceModel
	outlier  *anomaly.OutlierModel
	monitors MonitorLister
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewRetrainTimer creates a new hourly retrain worker.
func NewRetrainTimer(source chain.Source, seq *anomaly.SequenceModel, out *anomaly.OutlierModel,
	monitors MonitorLister, logger *slog.Logger) *RetrainTimer {
	return &RetrainTimer{
		source:   source,
		sequence: seq,
		outlier:  out,
		monitors: monitors,
		logger:   logger,
		interval: 1 * time.Hour,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *RetrainTimer) Running() bool {
	return t.running.Load()
}

// Start trains once at startup, then retrains on the interval.
func (t *RetrainTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeDoWork(ctx, t.retrain)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeDoWork(ctx, t.retrain)
		}
	}
}

// Stop signals the timer to stop.
func (t *RetrainTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *RetrainTimer) safeDoWork(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in retrain worker", "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx)
}

// retrain gathers recent history across all monitored addresses and
// refits both models on the combined corpus.
func (t *RetrainTimer) retrain(ctx context.Context) {
	monitors, err := t.monitors.Monitors(ctx)
	if err != nil {
		t.logger.Error("retrain: failed to list monitors", "error", err)
		return
	}

	since := time.Now().Add(-retrainHistoryDays * 24 * time.Hour)
	now := time.Now()

	var corpus []chain.Transaction
	seen := make(map[string]bool)
	for _, m := range monitors {
		key := m.Blockchain + ":" + chain.NormalizeAddress(m.WalletAddress)
		if seen[key] {
			continue
		}
		seen[key] = true

		txs, err := t.source.ListTransactions(ctx, m.WalletAddress, since, now)
		if err != nil {
			t.logger.Warn("retrain: failed to fetch history",
				"address", m.WalletAddress, "error", err)
			continue
		}
		corpus = append(corpus, txs...)
	}

	if len(corpus) == 0 {
		t.logger.Info("retrain: no history available, keeping prior models")
		return
	}

	t.trainModel(ctx, "sequence", func() error {
		return t.sequence.Train(corpus, anomaly.TrainOptions{})
	})
	t.trainModel(ctx, "outlier", func() error {
		return t.outlier.Train(corpus)
	})
}

func (t *RetrainTimer) trainModel(ctx context.Context, name string, fit func() error) {
	err := fit()
	switch {
	case err == nil:
		metrics.TrainingRunsTotal.WithLabelValues(name, "ok").Inc()
		t.logger.Info("model retrained", "model", name)
	case errors.Is(err, anomaly.ErrInsufficientData):
		metrics.TrainingRunsTotal.WithLabelValues(name, "insufficient_data").Inc()
		t.logger.Info("retrain skipped, insufficient data", "model", name)
	default:
		metrics.TrainingRunsTotal.WithLabelValues(name, "error").Inc()
		t.logger.Error("retrain failed, prior model kept", "model", name, "error", err)
	}
}
