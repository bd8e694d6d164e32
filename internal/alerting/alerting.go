// Package alerting correlates risk and anomaly findings with the users
// who asked to hear about them, and hands the resulting alerts to a
// notification sink.
//
// Recipient resolution runs two independent passes per finding: users
// with a wallet monitor matching an involved address, then users with a
// matching global alert config. A user matched by the wallet pass is
// skipped by the global pass: at most one alert per user per finding.
package alerting

import (
	"context"
	"time"
)

// AlertType classifies a finding for recipient resolution.
type AlertType string

const (
	AlertLargeTransaction   AlertType = "large_transaction"
	AlertAIAnomaly          AlertType = "ai_anomaly"
	AlertStatisticalAnomaly AlertType = "statistical_anomaly"
	AlertFundDispersion     AlertType = "fund_dispersion"
	AlertUnknownAnomaly     AlertType = "unknown_anomaly"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Alert statuses.
const (
	StatusNew      = "new"
	StatusRead     = "read"
	StatusResolved = "resolved"
)

// WalletMonitor is one user's watch on a specific wallet. Owned by the
// monitor registry; the correlator only reads it to decide recipients.
type WalletMonitor struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"userId"`
	WalletAddress string    `json:"walletAddress"`
	Blockchain    string    `json:"blockchain"`
	Label         string    `json:"label,omitempty"`
	Threshold     *float64  `json:"threshold,omitempty"`
	AlertEnabled  bool      `json:"alertEnabled"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AlertConfig is one user's global subscription to an alert type.
type AlertConfig struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	AlertType AlertType `json:"alertType"`
	Threshold *float64  `json:"threshold,omitempty"`
	Enabled   bool      `json:"enabled"`
	Channels  []string  `json:"channels,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Alert is one generated notification. Created by the correlator, owned
// thereafter by the sink.
type Alert struct {
	ID          string         `json:"id"`
	UserID      int64          `json:"userId"`
	AlertType   AlertType      `json:"alertType"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	RelatedData map[string]any `json:"relatedData,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
}

// Registry supplies the monitors and alert configs currently in effect.
// Lookups are not transactionally consistent with the triggering
// transaction; a stale list means a missed or extra alert next cycle.
type Registry interface {
	MonitorsFor(ctx context.Context, address, blockchain string) ([]WalletMonitor, error)
	ConfigsFor(ctx context.Context, alertType AlertType) ([]AlertConfig, error)
}

// Sink persists or dispatches generated alerts.
type Sink interface {
	CreateAlert(ctx context.Context, userID int64, alertType AlertType, severity Severity,
		title, description string, relatedData map[string]any) (*Alert, error)
}
