package alerting

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/idgen"
)

// PostgresStore is a PostgreSQL-backed Registry and Sink. Schema is
// managed by goose migrations (see migrations/).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateMonitor registers a wallet monitor.
func (s *PostgresStore) CreateMonitor(ctx context.Context, m WalletMonitor) (WalletMonitor, error) {
	m.WalletAddress = chain.NormalizeAddress(m.WalletAddress)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO wallet_monitors (user_id, wallet_address, blockchain, label, threshold, alert_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at
	`, m.UserID, m.WalletAddress, m.Blockchain, m.Label, m.Threshold, m.AlertEnabled)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return m, fmt.Errorf("failed to create wallet monitor: %w", err)
	}
	return m, nil
}

// CreateConfig registers a global alert config.
func (s *PostgresStore) CreateConfig(ctx context.Context, c AlertConfig) (AlertConfig, error) {
	channelsJSON, err := json.Marshal(c.Channels)
	if err != nil {
		return c, fmt.Errorf("failed to marshal channels: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO alert_configs (user_id, alert_type, threshold, enabled, channels, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`, c.UserID, string(c.AlertType), c.Threshold, c.Enabled, channelsJSON)
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		return c, fmt.Errorf("failed to create alert config: %w", err)
	}
	return c, nil
}

// Monitors returns all registered monitors.
func (s *PostgresStore) Monitors(ctx context.Context) ([]WalletMonitor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, wallet_address, blockchain, COALESCE(label, ''), threshold, alert_enabled, created_at
		FROM wallet_monitors
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet monitors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMonitors(rows)
}

func (s *PostgresStore) MonitorsFor(ctx context.Context, address, blockchain string) ([]WalletMonitor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, wallet_address, blockchain, COALESCE(label, ''), threshold, alert_enabled, created_at
		FROM wallet_monitors
		WHERE wallet_address = $1 AND blockchain = $2
	`, chain.NormalizeAddress(address), blockchain)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet monitors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMonitors(rows)
}

func scanMonitors(rows *sql.Rows) ([]WalletMonitor, error) {
	var result []WalletMonitor
	for rows.Next() {
		var m WalletMonitor
		var threshold sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.UserID, &m.WalletAddress, &m.Blockchain, &m.Label, &threshold, &m.AlertEnabled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet monitor: %w", err)
		}
		if threshold.Valid {
			m.Threshold = &threshold.Float64
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ConfigsFor(ctx context.Context, alertType AlertType) ([]AlertConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, alert_type, threshold, enabled, COALESCE(channels, '[]'), created_at
		FROM alert_configs
		WHERE alert_type = $1
	`, string(alertType))
	if err != nil {
		return nil, fmt.Errorf("failed to query alert configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []AlertConfig
	for rows.Next() {
		var c AlertConfig
		var threshold sql.NullFloat64
		var channelsJSON []byte
		if err := rows.Scan(&c.ID, &c.UserID, &c.AlertType, &threshold, &c.Enabled, &channelsJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert config: %w", err)
		}
		if threshold.Valid {
			c.Threshold = &threshold.Float64
		}
		_ = json.Unmarshal(channelsJSON, &c.Channels)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateAlert(ctx context.Context, userID int64, alertType AlertType, severity Severity,
	title, description string, relatedData map[string]any) (*Alert, error) {
	alert := &Alert{
		ID:          idgen.WithPrefix("alert_"),
		UserID:      userID,
		AlertType:   alertType,
		Severity:    severity,
		Title:       title,
		Description: description,
		RelatedData: relatedData,
		Status:      StatusNew,
		CreatedAt:   time.Now(),
	}

	relatedJSON, err := json.Marshal(relatedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal related data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, user_id, alert_type, severity, title, description, related_data, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, alert.ID, alert.UserID, string(alert.AlertType), string(alert.Severity),
		alert.Title, alert.Description, relatedJSON, alert.Status, alert.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	return alert, nil
}

// AlertsForUser returns a user's alerts, newest first, optionally
// filtered by status.
func (s *PostgresStore) AlertsForUser(ctx context.Context, userID int64, status string, limit int) ([]*Alert, error) {
	query := `
		SELECT id, user_id, alert_type, severity, title, description, related_data, status, created_at, resolved_at
		FROM alerts
		WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		var a Alert
		var relatedJSON []byte
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.AlertType, &a.Severity, &a.Title, &a.Description,
			&relatedJSON, &a.Status, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if len(relatedJSON) > 0 {
			_ = json.Unmarshal(relatedJSON, &a.RelatedData)
		}
		if resolvedAt.Valid {
			a.ResolvedAt = &resolvedAt.Time
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// UpdateAlertStatus transitions an alert's status, stamping resolved_at
// when it moves to resolved.
func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, alertID, status string) (*Alert, error) {
	var resolvedAt any
	if status == StatusResolved {
		resolvedAt = time.Now()
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE alerts
		SET status = $2, resolved_at = COALESCE($3, resolved_at), updated_at = NOW()
		WHERE id = $1
		RETURNING id, user_id, alert_type, severity, title, description, status, created_at
	`, alertID, status, resolvedAt)

	var a Alert
	if err := row.Scan(&a.ID, &a.UserID, &a.AlertType, &a.Severity, &a.Title, &a.Description, &a.Status, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found")
		}
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}
	return &a, nil
}
