package storage

import (
	"context"
	"sync"

	"github.com/ppiankov/accesswatch/internal/model"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	kpis       map[string]model.KPIRecord
	violations map[string]model.Violation
	alerts     map[string]model.Alert
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kpis:       make(map[string]model.KPIRecord),
		violations: make(map[string]model.Violation),
		alerts:     make(map[string]model.Alert),
	}
}

func (m *MemoryStore) PersistKPI(ctx context.Context, k model.KPIRecord) error {
	if err := ctx.Err(); err != nil {
		return storageErr(BackendMemory, "persist_kpi", nil, err)
	}
	m.mu.Lock()
	m.kpis[k.Key()] = k
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PersistViolation(ctx context.Context, v model.Violation) error {
	if err := ctx.Err(); err != nil {
		return storageErr(BackendMemory, "persist_violation", nil, err)
	}
	if err := v.Validate(); err != nil {
		return storageErr(BackendMemory, "persist_violation", map[string]string{"violation_id": v.ViolationID}, err)
	}
	m.mu.Lock()
	m.violations[v.ViolationID] = v
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PersistAlert(ctx context.Context, a model.Alert) error {
	if err := ctx.Err(); err != nil {
		return storageErr(BackendMemory, "persist_alert", nil, err)
	}
	if err := a.Validate(); err != nil {
		return storageErr(BackendMemory, "persist_alert", map[string]string{"alert_id": a.AlertID}, err)
	}
	m.mu.Lock()
	m.alerts[a.AlertID] = a
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) QueryViolations(ctx context.Context, appID string, state model.ViolationState) ([]model.Violation, error) {
	all, err := m.LoadViolations(ctx, appID)
	if err != nil {
		return nil, err
	}
	return filterViolations(all, appID, state), nil
}

func (m *MemoryStore) LoadKPIs(ctx context.Context, appID string) ([]model.KPIRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(BackendMemory, "load_kpis", nil, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.KPIRecord
	for _, k := range m.kpis {
		if appID == "" || k.AppID == appID {
			out = append(out, k)
		}
	}
	sortKPIs(out)
	return out, nil
}

func (m *MemoryStore) LoadViolations(ctx context.Context, appID string) ([]model.Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(BackendMemory, "load_violations", nil, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Violation
	for _, v := range m.violations {
		if appID == "" || v.AppID == appID {
			out = append(out, v)
		}
	}
	sortViolations(out)
	return out, nil
}

func (m *MemoryStore) LoadAlerts(ctx context.Context, appID string) ([]model.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(BackendMemory, "load_alerts", nil, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Alert
	for _, a := range m.alerts {
		if appID == "" || a.AppID == appID {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
