package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/chainwatch/internal/chain"
	"github.com/mbd888/chainwatch/internal/idgen"
)

// MemoryStore is an in-memory Registry and Sink for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	monitors []WalletMonitor
	configs  []AlertConfig
	alerts   map[string]*Alert
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert)}
}

// AddMonitor registers a wallet monitor.
func (m *MemoryStore) AddMonitor(monitor WalletMonitor) WalletMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	monitor.ID = m.nextID
	if monitor.CreatedAt.IsZero() {
		monitor.CreatedAt = time.Now()
	}
	monitor.WalletAddress = chain.NormalizeAddress(monitor.WalletAddress)
	m.monitors = append(m.monitors, monitor)
	return monitor
}

// AddConfig registers a global alert config.
func (m *MemoryStore) AddConfig(cfg AlertConfig) AlertConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cfg.ID = m.nextID
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	m.configs = append(m.configs, cfg)
	return cfg
}

// CreateMonitor registers a wallet monitor.
func (m *MemoryStore) CreateMonitor(ctx context.Context, monitor WalletMonitor) (WalletMonitor, error) {
	return m.AddMonitor(monitor), nil
}

// CreateConfig registers a global alert config.
func (m *MemoryStore) CreateConfig(ctx context.Context, cfg AlertConfig) (AlertConfig, error) {
	return m.AddConfig(cfg), nil
}

// Monitors returns all registered monitors.
func (m *MemoryStore) Monitors(ctx context.Context) ([]WalletMonitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]WalletMonitor(nil), m.monitors...), nil
}

func (m *MemoryStore) MonitorsFor(ctx context.Context, address, blockchain string) ([]WalletMonitor, error) {
	address = chain.NormalizeAddress(address)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []WalletMonitor
	for _, mon := range m.monitors {
		if mon.WalletAddress == address && mon.Blockchain == blockchain {
			result = append(result, mon)
		}
	}
	return result, nil
}

func (m *MemoryStore) ConfigsFor(ctx context.Context, alertType AlertType) ([]AlertConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []AlertConfig
	for _, cfg := range m.configs {
		if cfg.AlertType == alertType {
			result = append(result, cfg)
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateAlert(ctx context.Context, userID int64, alertType AlertType, severity Severity,
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

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.mu.Unlock()
	return alert, nil
}

// AlertsForUser returns a user's alerts, newest first, optionally
// filtered by status.
func (m *MemoryStore) AlertsForUser(ctx context.Context, userID int64, status string, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Alert
	for _, a := range m.alerts {
		if a.UserID != userID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		result = append(result, a)
	}
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].CreatedAt.After(result[i].CreatedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateAlertStatus transitions an alert's status, stamping ResolvedAt
// when it moves to resolved.
func (m *MemoryStore) UpdateAlertStatus(ctx context.Context, alertID, status string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert not found")
	}
	alert.Status = status
	if status == StatusResolved {
		now := time.Now()
		alert.ResolvedAt = &now
	}
	return alert, nil
}
