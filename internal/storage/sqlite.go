package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/accesswatch/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kpis (
	record_key  TEXT PRIMARY KEY,
	app_id      TEXT NOT NULL,
	kpi_name    TEXT NOT NULL,
	computed_at INTEGER NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kpis_app ON kpis(app_id);
CREATE TABLE IF NOT EXISTS violations (
	violation_id TEXT PRIMARY KEY,
	app_id       TEXT NOT NULL,
	rule_id      TEXT NOT NULL,
	state        TEXT NOT NULL,
	detected_at  INTEGER NOT NULL,
	body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_violations_app_state ON violations(app_id, state);
CREATE TABLE IF NOT EXISTS alerts (
	alert_id   TEXT PRIMARY KEY,
	app_id     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_app ON alerts(app_id);
`

// SQLiteStore keeps records in a single SQLite database file. Each row holds
// the record's JSON form plus the indexed columns needed for queries.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, storageErr(BackendSQLite, "open", map[string]string{"path": path}, err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr(BackendSQLite, "open", map[string]string{"path": path}, err)
	}
	// One writer connection avoids SQLITE_BUSY between parallel app workers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, storageErr(BackendSQLite, "migrate", map[string]string{"path": path}, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) PersistKPI(ctx context.Context, k model.KPIRecord) error {
	body, err := json.Marshal(k)
	if err != nil {
		return storageErr(BackendSQLite, "persist_kpi", nil, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kpis (record_key, app_id, kpi_name, computed_at, body) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(record_key) DO UPDATE SET body = excluded.body`,
		k.Key(), k.AppID, k.KPIName, k.ComputedAt.UnixNano(), string(body))
	if err != nil {
		return storageErr(BackendSQLite, "persist_kpi", map[string]string{"app_id": k.AppID, "kpi_name": k.KPIName}, err)
	}
	return nil
}

func (s *SQLiteStore) PersistViolation(ctx context.Context, v model.Violation) error {
	if err := v.Validate(); err != nil {
		return storageErr(BackendSQLite, "persist_violation", map[string]string{"violation_id": v.ViolationID}, err)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return storageErr(BackendSQLite, "persist_violation", nil, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO violations (violation_id, app_id, rule_id, state, detected_at, body) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(violation_id) DO UPDATE SET
		   state = excluded.state, detected_at = excluded.detected_at, body = excluded.body`,
		v.ViolationID, v.AppID, v.RuleID, string(v.State), v.DetectedAt.UnixNano(), string(body))
	if err != nil {
		return storageErr(BackendSQLite, "persist_violation", map[string]string{"violation_id": v.ViolationID}, err)
	}
	return nil
}

func (s *SQLiteStore) PersistAlert(ctx context.Context, a model.Alert) error {
	if err := a.Validate(); err != nil {
		return storageErr(BackendSQLite, "persist_alert", map[string]string{"alert_id": a.AlertID}, err)
	}
	body, err := json.Marshal(a)
	if err != nil {
		return storageErr(BackendSQLite, "persist_alert", nil, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (alert_id, app_id, created_at, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(alert_id) DO UPDATE SET body = excluded.body`,
		a.AlertID, a.AppID, a.CreatedAt.UnixNano(), string(body))
	if err != nil {
		return storageErr(BackendSQLite, "persist_alert", map[string]string{"alert_id": a.AlertID}, err)
	}
	return nil
}

func (s *SQLiteStore) QueryViolations(ctx context.Context, appID string, state model.ViolationState) ([]model.Violation, error) {
	query := `SELECT body FROM violations WHERE (? = '' OR app_id = ?) AND (? = '' OR state = ?) ORDER BY detected_at, violation_id`
	var out []model.Violation
	err := s.scanBodies(ctx, query, func(body []byte) error {
		var v model.Violation
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	}, appID, appID, string(state), string(state))
	if err != nil {
		return nil, storageErr(BackendSQLite, "query_violations", map[string]string{"app_id": appScope(appID), "state": string(state)}, err)
	}
	return out, nil
}

func (s *SQLiteStore) LoadKPIs(ctx context.Context, appID string) ([]model.KPIRecord, error) {
	var out []model.KPIRecord
	err := s.scanBodies(ctx, `SELECT body FROM kpis WHERE (? = '' OR app_id = ?)`, func(body []byte) error {
		var k model.KPIRecord
		if err := json.Unmarshal(body, &k); err != nil {
			return err
		}
		out = append(out, k)
		return nil
	}, appID, appID)
	if err != nil {
		return nil, storageErr(BackendSQLite, "load_kpis", map[string]string{"app_id": appScope(appID)}, err)
	}
	sortKPIs(out)
	return out, nil
}

func (s *SQLiteStore) LoadViolations(ctx context.Context, appID string) ([]model.Violation, error) {
	return s.QueryViolations(ctx, appID, "")
}

func (s *SQLiteStore) LoadAlerts(ctx context.Context, appID string) ([]model.Alert, error) {
	var out []model.Alert
	err := s.scanBodies(ctx, `SELECT body FROM alerts WHERE (? = '' OR app_id = ?) ORDER BY created_at, alert_id`, func(body []byte) error {
		var a model.Alert
		if err := json.Unmarshal(body, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	}, appID, appID)
	if err != nil {
		return nil, storageErr(BackendSQLite, "load_alerts", map[string]string{"app_id": appScope(appID)}, err)
	}
	return out, nil
}

func (s *SQLiteStore) scanBodies(ctx context.Context, query string, fn func([]byte) error, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr(BackendSQLite, "close", map[string]string{"path": s.path}, err)
	}
	return nil
}
