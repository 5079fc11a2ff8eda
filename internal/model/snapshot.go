package model

import (
	"strings"
	"time"
)

// Column names an input column of an access snapshot.
type Column string

const (
	ColAppID              Column = "app_id"
	ColUserID             Column = "user_id"
	ColStatus             Column = "status"
	ColIsPrivileged       Column = "is_privileged"
	ColRole               Column = "role"
	ColEnvironment        Column = "environment"
	ColJustification      Column = "justification"
	ColFailedAttempts     Column = "failed_attempts"
	ColExitDate           Column = "exit_date"
	ColLastReviewDate     Column = "last_review_date"
	ColLastLoginDate      Column = "last_login_date"
	ColAccountCreatedDate Column = "account_created_date"
	ColAccessRequestDate  Column = "access_request_date"
	ColAccessGrantedDate  Column = "access_granted_date"
)

// KnownColumns lists every column the engine understands.
var KnownColumns = []Column{
	ColAppID, ColUserID, ColStatus, ColIsPrivileged, ColRole, ColEnvironment,
	ColJustification, ColFailedAttempts, ColExitDate, ColLastReviewDate,
	ColLastLoginDate, ColAccountCreatedDate, ColAccessRequestDate, ColAccessGrantedDate,
}

// ComplianceRecord is one normalized access row. Date fields are nil when the
// cell was empty or could not be parsed.
type ComplianceRecord struct {
	AppID              string
	UserID             string
	Status             string
	IsPrivileged       bool
	Role               string
	Environment        string
	Justification      string
	FailedAttempts     int
	ExitDate           *time.Time
	LastReviewDate     *time.Time
	LastLoginDate      *time.Time
	AccountCreatedDate *time.Time
	AccessRequestDate  *time.Time
	AccessGrantedDate  *time.Time
}

// IsActive reports whether the account status is "active" in any letter case.
func (r ComplianceRecord) IsActive() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), "active")
}

// Snapshot is one ingested batch of records together with the set of columns
// that were present in the source. Metric functions consult Has before reading
// an optional field.
type Snapshot struct {
	Columns  map[Column]bool
	Records  []ComplianceRecord
	FullLoad bool
	Source   string
}

// NewSnapshot builds a snapshot over the given columns and rows.
func NewSnapshot(columns []Column, records []ComplianceRecord) *Snapshot {
	set := make(map[Column]bool, len(columns))
	for _, c := range columns {
		set[c] = true
	}
	return &Snapshot{Columns: set, Records: records}
}

// Has reports whether the column was present in the source.
func (s *Snapshot) Has(c Column) bool {
	return s != nil && s.Columns[c]
}

// ForApp returns the rows belonging to appID.
func (s *Snapshot) ForApp(appID string) []ComplianceRecord {
	if s == nil {
		return nil
	}
	var out []ComplianceRecord
	for _, r := range s.Records {
		if r.AppID == appID {
			out = append(out, r)
		}
	}
	return out
}

// AppIDs returns distinct application ids in first-seen order.
func (s *Snapshot) AppIDs() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, r := range s.Records {
		if r.AppID == "" || seen[r.AppID] {
			continue
		}
		seen[r.AppID] = true
		ids = append(ids, r.AppID)
	}
	return ids
}
