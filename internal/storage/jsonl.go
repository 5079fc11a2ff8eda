package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ppiankov/accesswatch/internal/model"
)

// JSONL file names inside the store directory.
const (
	kpiFile       = "kpis.jsonl"
	violationFile = "violations.jsonl"
	alertFile     = "alerts.jsonl"
)

// JSONLStore appends one JSON object per line. Updates are new lines; when
// loading, the last line for an identity wins.
type JSONLStore struct {
	dir string
	mu  sync.Mutex
}

// OpenJSONL opens (or creates) a JSONL store under dir.
func OpenJSONL(dir string) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storageErr(BackendJSONL, "open", map[string]string{"dir": dir}, err)
	}
	return &JSONLStore{dir: dir}, nil
}

func (s *JSONLStore) appendLine(name string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readLines calls fn for each non-empty line of the named file. A missing
// file yields no lines.
func (s *JSONLStore) readLines(name string, fn func(line []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			return fmt.Errorf("%s line %d: %w", name, lineNum, err)
		}
	}
	return scanner.Err()
}

func (s *JSONLStore) PersistKPI(ctx context.Context, k model.KPIRecord) error {
	if err := ctx.Err(); err != nil {
		return storageErr(BackendJSONL, "persist_kpi", nil, err)
	}
	if err := s.appendLine(kpiFile, k); err != nil {
		return storageErr(BackendJSONL, "persist_kpi", map[string]string{"app_id": k.AppID, "kpi_name": k.KPIName}, err)
	}
	return nil
}

func (s *JSONLStore) PersistViolation(ctx context.Context, v model.Violation) error {
	if err := ctx.Err(); err != nil {
		return storageErr(BackendJSONL, "persist_violation", nil, err)
	}
	if err := v.Validate(); err != nil {
		return storageErr(BackendJSONL, "persist_violation", map[string]string{"violation_id": v.ViolationID}, err)
	}
	if err := s.appendLine(violationFile, v); err != nil {
		return storageErr(BackendJSONL, "persist_violation", map[string]string{"violation_id": v.ViolationID}, err)
	}
	return nil
}

func (s *JSONLStore) PersistAlert(ctx context.Context, a model.Alert) error {
	if err := ctx.Err(); err != nil {
		return storageErr(BackendJSONL, "persist_alert", nil, err)
	}
	if err := a.Validate(); err != nil {
		return storageErr(BackendJSONL, "persist_alert", map[string]string{"alert_id": a.AlertID}, err)
	}
	if err := s.appendLine(alertFile, a); err != nil {
		return storageErr(BackendJSONL, "persist_alert", map[string]string{"alert_id": a.AlertID}, err)
	}
	return nil
}

func (s *JSONLStore) QueryViolations(ctx context.Context, appID string, state model.ViolationState) ([]model.Violation, error) {
	all, err := s.LoadViolations(ctx, appID)
	if err != nil {
		return nil, err
	}
	return filterViolations(all, appID, state), nil
}

func (s *JSONLStore) LoadKPIs(ctx context.Context, appID string) ([]model.KPIRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(BackendJSONL, "load_kpis", nil, err)
	}
	latest := make(map[string]model.KPIRecord)
	err := s.readLines(kpiFile, func(line []byte) error {
		var k model.KPIRecord
		if err := json.Unmarshal(line, &k); err != nil {
			return err
		}
		if appID == "" || k.AppID == appID {
			latest[k.Key()] = k
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(BackendJSONL, "load_kpis", map[string]string{"app_id": appScope(appID)}, err)
	}
	out := make([]model.KPIRecord, 0, len(latest))
	for _, k := range latest {
		out = append(out, k)
	}
	sortKPIs(out)
	return out, nil
}

func (s *JSONLStore) LoadViolations(ctx context.Context, appID string) ([]model.Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(BackendJSONL, "load_violations", nil, err)
	}
	latest := make(map[string]model.Violation)
	err := s.readLines(violationFile, func(line []byte) error {
		var v model.Violation
		if err := json.Unmarshal(line, &v); err != nil {
			return err
		}
		if appID == "" || v.AppID == appID {
			latest[v.ViolationID] = v
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(BackendJSONL, "load_violations", map[string]string{"app_id": appScope(appID)}, err)
	}
	out := make([]model.Violation, 0, len(latest))
	for _, v := range latest {
		out = append(out, v)
	}
	sortViolations(out)
	return out, nil
}

func (s *JSONLStore) LoadAlerts(ctx context.Context, appID string) ([]model.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(BackendJSONL, "load_alerts", nil, err)
	}
	latest := make(map[string]model.Alert)
	err := s.readLines(alertFile, func(line []byte) error {
		var a model.Alert
		if err := json.Unmarshal(line, &a); err != nil {
			return err
		}
		if appID == "" || a.AppID == appID {
			latest[a.AlertID] = a
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(BackendJSONL, "load_alerts", map[string]string{"app_id": appScope(appID)}, err)
	}
	out := make([]model.Alert, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sortAlerts(out)
	return out, nil
}

// Close is a no-op; files are opened per write.
func (s *JSONLStore) Close() error { return nil }
