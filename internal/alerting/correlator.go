package alerting

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/chainwatch/internal/anomaly"
	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/traces"
)

// Event is a finding ready for recipient resolution: the transaction it
// concerns, the alert type it maps to, and model-specific detail for
// the alert's related data.
type Event struct {
	Tx      chain.Transaction
	Type    AlertType
	Details map[string]any
}

// FromFinding maps a model finding to a correlation event.
func FromFinding(f *anomaly.Finding) Event {
	ev := Event{Tx: f.Tx, Type: AlertUnknownAnomaly}
	switch f.Kind {
	case anomaly.KindSequence:
		ev.Type = AlertAIAnomaly
		ev.Details = map[string]any{
			"deviation":      f.Deviation,
			"predictedValue": f.PredictedValue,
		}
	case anomaly.KindOutlier:
		ev.Type = AlertStatisticalAnomaly
		ev.Details = map[string]any{
			"anomalyScore": f.Score,
		}
	}
	return ev
}

// FromDispersion builds a correlation event for a fund-dispersion
// detection on the transaction.
func FromDispersion(tx chain.Transaction, dispersionCount int) Event {
	return Event{
		Tx:   tx,
		Type: AlertFundDispersion,
		Details: map[string]any{
			"dispersionCount": dispersionCount,
		},
	}
}

// Correlator resolves findings to recipients and emits deduplicated
// alerts through the sink.
type Correlator struct {
	registry         Registry
	sink             Sink
	logger           *slog.Logger
	largeTxThreshold float64
}

// NewCorrelator creates an alert correlator.
func NewCorrelator(registry Registry, sink Sink, logger *slog.Logger) *Correlator {
	return &Correlator{
		registry:         registry,
		sink:             sink,
		logger:           logger,
		largeTxThreshold: 500000,
	}
}

// WithLargeTxThreshold overrides the large-transaction threshold.
func (c *Correlator) WithLargeTxThreshold(t float64) *Correlator {
	c.largeTxThreshold = t
	return c
}

// ProcessTransaction emits large-transaction alerts for a newly
// observed transaction. Recipients monitoring the sending address get
// an "outgoing" framed alert, recipients monitoring the receiving
// address an "incoming" one, and global subscribers a "global" one.
// Wallet-specific matches take precedence; every user receives at most
// one alert for this transaction. Returns the alerts created so far
// alongside any sink error.
func (c *Correlator) ProcessTransaction(ctx context.Context, tx *chain.Transaction) ([]*Alert, error) {
	if tx.Value < c.largeTxThreshold {
		return nil, nil
	}

	var alerts []*Alert
	alerted := make(map[int64]bool)

	emit := func(userID int64, direction string, monitorAddr string) error {
		if alerted[userID] {
			return nil
		}
		alert, err := c.createLargeTxAlert(ctx, tx, userID, direction, monitorAddr)
		if err != nil {
			return err
		}
		alerted[userID] = true
		alerts = append(alerts, alert)
		return nil
	}

	if tx.FromAddress != "" {
		monitors, err := c.registry.MonitorsFor(ctx, tx.FromAddress, tx.Blockchain)
		if err != nil {
			return alerts, fmt.Errorf("lookup sender monitors: %w", err)
		}
		for _, m := range monitors {
			if !m.AlertEnabled {
				continue
			}
			if err := emit(m.UserID, "outgoing", m.WalletAddress); err != nil {
				return alerts, err
			}
		}
	}

	if tx.ToAddress != "" {
		monitors, err := c.registry.MonitorsFor(ctx, tx.ToAddress, tx.Blockchain)
		if err != nil {
			return alerts, fmt.Errorf("lookup receiver monitors: %w", err)
		}
		for _, m := range monitors {
			if !m.AlertEnabled {
				continue
			}
			if err := emit(m.UserID, "incoming", m.WalletAddress); err != nil {
				return alerts, err
			}
		}
	}

	configs, err := c.registry.ConfigsFor(ctx, AlertLargeTransaction)
	if err != nil {
		return alerts, fmt.Errorf("lookup alert configs: %w", err)
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := emit(cfg.UserID, "global", ""); err != nil {
			return alerts, err
		}
	}

	c.logger.Info("large transaction correlated",
		"tx", tx.Ref(), "value", tx.Value, "alerts", len(alerts))
	return alerts, nil
}

// ProcessAnomaly emits alerts for an anomaly event: first to users
// monitoring the transaction's sending address, then to global
// subscribers of the event's alert type, skipping users already
// alerted by the wallet pass.
func (c *Correlator) ProcessAnomaly(ctx context.Context, ev Event) ([]*Alert, error) {
	ctx, span := traces.StartSpan(ctx, "alerting.process_anomaly",
		traces.TxRef(ev.Tx.Ref()), traces.AlertType(string(ev.Type)))
	defer span.End()

	var alerts []*Alert
	alerted := make(map[int64]bool)

	emit := func(userID int64, monitorAddr string) error {
		if alerted[userID] {
			return nil
		}
		alert, err := c.createAnomalyAlert(ctx, ev, userID, monitorAddr)
		if err != nil {
			return err
		}
		alerted[userID] = true
		alerts = append(alerts, alert)
		return nil
	}

	if ev.Tx.FromAddress != "" {
		monitors, err := c.registry.MonitorsFor(ctx, ev.Tx.FromAddress, ev.Tx.Blockchain)
		if err != nil {
			return alerts, fmt.Errorf("lookup monitors: %w", err)
		}
		for _, m := range monitors {
			if !m.AlertEnabled {
				continue
			}
			if err := emit(m.UserID, m.WalletAddress); err != nil {
				return alerts, err
			}
		}
	}

	configs, err := c.registry.ConfigsFor(ctx, ev.Type)
	if err != nil {
		return alerts, fmt.Errorf("lookup alert configs: %w", err)
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := emit(cfg.UserID, ""); err != nil {
			return alerts, err
		}
	}

	c.logger.Info("anomaly correlated",
		"tx", ev.Tx.Ref(), "type", ev.Type, "alerts", len(alerts))
	return alerts, nil
}

func (c *Correlator) createLargeTxAlert(ctx context.Context, tx *chain.Transaction, userID int64, direction, monitorAddr string) (*Alert, error) {
	var title, description string
	switch direction {
	case "outgoing":
		title = fmt.Sprintf("Large outgoing transaction: %g %s", tx.Value, tx.Blockchain)
		description = fmt.Sprintf("Your monitored wallet %s sent %g %s to %s",
			monitorAddr, tx.Value, tx.Blockchain, tx.ToAddress)
	case "incoming":
		title = fmt.Sprintf("Large incoming transaction: %g %s", tx.Value, tx.Blockchain)
		description = fmt.Sprintf("Your monitored wallet %s received %g %s from %s",
			monitorAddr, tx.Value, tx.Blockchain, tx.FromAddress)
	default:
		title = fmt.Sprintf("Large transaction observed: %g %s", tx.Value, tx.Blockchain)
		description = fmt.Sprintf("Large transaction of %g %s from %s to %s",
			tx.Value, tx.Blockchain, tx.FromAddress, tx.ToAddress)
	}

	related := map[string]any{
		"transaction": map[string]any{
			"blockchain":  tx.Blockchain,
			"hash":        tx.Hash,
			"fromAddress": tx.FromAddress,
			"toAddress":   tx.ToAddress,
			"value":       tx.Value,
		},
		"direction": direction,
	}
	if monitorAddr != "" {
		related["walletAddress"] = monitorAddr
	}

	return c.sink.CreateAlert(ctx, userID, AlertLargeTransaction, SeverityHigh, title, description, related)
}

func (c *Correlator) createAnomalyAlert(ctx context.Context, ev Event, userID int64, monitorAddr string) (*Alert, error) {
	var title, description string
	switch ev.Type {
	case AlertAIAnomaly:
		title = "Unusual transaction pattern detected"
		description = fmt.Sprintf("The sequence model flagged activity from address %s as anomalous", ev.Tx.FromAddress)
	case AlertStatisticalAnomaly:
		title = "Statistical outlier transaction detected"
		description = fmt.Sprintf("A transaction from address %s falls outside the learned normal region", ev.Tx.FromAddress)
	case AlertFundDispersion:
		title = "Fund dispersion detected"
		description = fmt.Sprintf("Address %s is fanning funds out across many recipients", ev.Tx.FromAddress)
	default:
		title = "Unknown anomaly detected"
		description = fmt.Sprintf("Anomalous activity observed for address %s", ev.Tx.FromAddress)
	}
	if monitorAddr != "" {
		description += fmt.Sprintf("; this involves your monitored wallet %s", monitorAddr)
	}

	severity := SeverityMedium
	if ev.Type == AlertFundDispersion {
		severity = SeverityHigh
	}

	related := map[string]any{
		"transaction": map[string]any{
			"blockchain":  ev.Tx.Blockchain,
			"hash":        ev.Tx.Hash,
			"fromAddress": ev.Tx.FromAddress,
			"toAddress":   ev.Tx.ToAddress,
			"value":       ev.Tx.Value,
		},
	}
	for k, v := range ev.Details {
		related[k] = v
	}
	if monitorAddr != "" {
		related["walletAddress"] = monitorAddr
	}

	return c.sink.CreateAlert(ctx, userID, ev.Type, severity, title, description, related)
}
