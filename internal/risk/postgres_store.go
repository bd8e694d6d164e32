package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, assessment *Assessment) error {
	factorsJSON, err := json.Marshal(assessment.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	var flowJSON []byte
	if assessment.FlowAnalysis != nil {
		flowJSON, err = json.Marshal(assessment.FlowAnalysis)
		if err != nil {
			return fmt.Errorf("failed to marshal flow analysis: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, tx_ref, address, score, suspicious, factors, flow_analysis, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		assessment.ID,
		assessment.TxRef,
		assessment.Address,
		assessment.RiskScore,
		assessment.Suspicious,
		factorsJSON,
		flowJSON,
		assessment.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAddress(ctx context.Context, address string, before time.Time, limit int) ([]*Assessment, error) {
	var cutoff *time.Time
	if !before.IsZero() {
		cutoff = &before
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tx_ref, address, score, suspicious, factors, flow_analysis, evaluated_at
		FROM risk_assessments
		WHERE address = $1 AND ($2::timestamptz IS NULL OR evaluated_at < $2)
		ORDER BY evaluated_at DESC
		LIMIT $3
	`, address, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var factorsJSON, flowJSON []byte
		var evaluatedAt time.Time

		if err := rows.Scan(&a.ID, &a.TxRef, &a.Address, &a.RiskScore, &a.Suspicious, &factorsJSON, &flowJSON, &evaluatedAt); err != nil {
			continue
		}
		a.EvaluatedAt = evaluatedAt
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		if len(flowJSON) > 0 {
			_ = json.Unmarshal(flowJSON, &a.FlowAnalysis)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
