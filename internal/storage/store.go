// Package storage persists KPI records, violations, and alerts.
//
// Backends:
//   - memory: process-local maps, used by tests and dry runs
//   - jsonl: append-only JSON Lines files, human-inspectable
//   - sqlite: single-file relational store (modernc.org/sqlite, no cgo)
//   - encrypted: one AES-256-GCM blob per record with PBKDF2-derived keys and
//     exclusive key rotation
//
// Every backend is safe for concurrent use by parallel application workers.
// Writes are idempotent by record identity: persisting a violation with an
// existing violation_id replaces the earlier version.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// Store is the full persistence port. Components depend on narrower
// interfaces declared where they are consumed.
type Store interface {
	PersistKPI(ctx context.Context, k model.KPIRecord) error
	PersistViolation(ctx context.Context, v model.Violation) error
	PersistAlert(ctx context.Context, a model.Alert) error

	// QueryViolations returns violations for appID in the given state.
	QueryViolations(ctx context.Context, appID string, state model.ViolationState) ([]model.Violation, error)

	// Load* return records for appID, or all records when appID is empty.
	LoadKPIs(ctx context.Context, appID string) ([]model.KPIRecord, error)
	LoadViolations(ctx context.Context, appID string) ([]model.Violation, error)
	LoadAlerts(ctx context.Context, appID string) ([]model.Alert, error)

	Close() error
}

// Record type prefixes used in keys and file names.
const (
	TypeKPI       = "kpi"
	TypeViolation = "violation"
	TypeAlert     = "alert"
)

// Backend names accepted by Open.
const (
	BackendMemory    = "memory"
	BackendJSONL     = "jsonl"
	BackendSQLite    = "sqlite"
	BackendEncrypted = "encrypted"
)

// validID matches the identifiers accepted as file-name components.
var validID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("id %q contains invalid characters", id)
	}
	return nil
}

func storageErr(backend, op string, ctx map[string]string, cause error) error {
	c := map[string]string{"backend": backend, "operation": op}
	for k, v := range ctx {
		c[k] = v
	}
	return errs.Storage(fmt.Sprintf("%s %s failed", backend, op), c, cause)
}

func appScope(appID string) string {
	if appID == "" {
		return "all"
	}
	return appID
}

func sortKPIs(ks []model.KPIRecord) {
	sort.SliceStable(ks, func(i, j int) bool {
		if !ks[i].ComputedAt.Equal(ks[j].ComputedAt) {
			return ks[i].ComputedAt.Before(ks[j].ComputedAt)
		}
		if ks[i].AppID != ks[j].AppID {
			return ks[i].AppID < ks[j].AppID
		}
		return ks[i].KPIName < ks[j].KPIName
	})
}

func sortViolations(vs []model.Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if !vs[i].DetectedAt.Equal(vs[j].DetectedAt) {
			return vs[i].DetectedAt.Before(vs[j].DetectedAt)
		}
		return vs[i].ViolationID < vs[j].ViolationID
	})
}

func sortAlerts(as []model.Alert) {
	sort.SliceStable(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].AlertID < as[j].AlertID
	})
}

func filterViolations(vs []model.Violation, appID string, state model.ViolationState) []model.Violation {
	var out []model.Violation
	for _, v := range vs {
		if appID != "" && v.AppID != appID {
			continue
		}
		if state != "" && v.State != state {
			continue
		}
		out = append(out, v)
	}
	return out
}
