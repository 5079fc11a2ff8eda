package kpi

import (
	"strings"
	"time"

	"github.com/ppiankov/accesswatch/internal/model"
)

// KPI names.
const (
	OrphanAccounts         = "orphan_accounts"
	PrivilegedAccounts     = "privileged_accounts"
	FailedAccessAttempts   = "failed_access_attempts"
	AccessProvisioningTime = "access_provisioning_time"
	AccessReviews          = "access_reviews"
	PolicyViolations       = "policy_violations"
	ExcessivePermissions   = "excessive_permissions"
	DormantAccounts        = "dormant_accounts"
)

// Windows used by the date-based metrics.
const (
	ReviewOverdueAfter    = 90 * 24 * time.Hour
	PrivilegedReviewAfter = 30 * 24 * time.Hour
	DormantAfter          = 90 * 24 * time.Hour
	NeverLoggedInGrace    = 7 * 24 * time.Hour
	ExcessiveFailures     = 10
)

// Input is what a metric sees: the rows of one application, the column set
// of the snapshot they came from, and the computation instant.
type Input struct {
	Rows []model.ComplianceRecord
	snap *model.Snapshot
	Now  time.Time
}

// Has reports whether the source snapshot carried column c.
func (in Input) Has(c model.Column) bool { return in.snap.Has(c) }

// MetricFunc computes one KPI value. Absent columns must yield 0.
type MetricFunc func(in Input) (float64, error)

// builtin lists the metrics in their evaluation order.
var builtin = []struct {
	name string
	fn   MetricFunc
}{
	{OrphanAccounts, orphanAccounts},
	{PrivilegedAccounts, privilegedAccounts},
	{FailedAccessAttempts, failedAccessAttempts},
	{AccessProvisioningTime, accessProvisioningTime},
	{AccessReviews, accessReviews},
	{PolicyViolations, policyViolations},
	{ExcessivePermissions, excessivePermissions},
	{DormantAccounts, dormantAccounts},
}

// Names returns all built-in KPI names in evaluation order.
func Names() []string {
	out := make([]string, len(builtin))
	for i, m := range builtin {
		out[i] = m.name
	}
	return out
}

func isOrphan(in Input, r model.ComplianceRecord) bool {
	if !in.Has(model.ColStatus) {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.Status), "orphan") {
		return true
	}
	return in.Has(model.ColExitDate) && r.IsActive() && r.ExitDate != nil
}

func orphanAccounts(in Input) (float64, error) {
	n := 0
	for _, r := range in.Rows {
		if isOrphan(in, r) {
			n++
		}
	}
	return float64(n), nil
}

func isPrivileged(in Input, r model.ComplianceRecord) bool {
	if in.Has(model.ColIsPrivileged) {
		return r.IsPrivileged
	}
	if in.Has(model.ColRole) {
		role := strings.ToUpper(strings.TrimSpace(r.Role))
		return role == "ADMIN" || role == "ROOT"
	}
	return false
}

func privilegedAccounts(in Input) (float64, error) {
	n := 0
	for _, r := range in.Rows {
		if isPrivileged(in, r) {
			n++
		}
	}
	return float64(n), nil
}

func failedAccessAttempts(in Input) (float64, error) {
	if !in.Has(model.ColFailedAttempts) {
		return 0, nil
	}
	sum := 0
	for _, r := range in.Rows {
		sum += r.FailedAttempts
	}
	return float64(sum), nil
}

// accessProvisioningTime is the mean request-to-grant delay in days. Rows
// granted before they were requested are discarded.
func accessProvisioningTime(in Input) (float64, error) {
	if !in.Has(model.ColAccessRequestDate) || !in.Has(model.ColAccessGrantedDate) {
		return 0, nil
	}
	var total float64
	n := 0
	for _, r := range in.Rows {
		if r.AccessRequestDate == nil || r.AccessGrantedDate == nil {
			continue
		}
		d := r.AccessGrantedDate.Sub(*r.AccessRequestDate)
		if d < 0 {
			continue
		}
		total += d.Hours() / 24
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

// activeRows filters to active accounts, or returns all rows when the
// snapshot has no status column.
func activeRows(in Input) []model.ComplianceRecord {
	if !in.Has(model.ColStatus) {
		return in.Rows
	}
	var out []model.ComplianceRecord
	for _, r := range in.Rows {
		if r.IsActive() {
			out = append(out, r)
		}
	}
	return out
}

func accessReviews(in Input) (float64, error) {
	if !in.Has(model.ColLastReviewDate) {
		return 0, nil
	}
	n := 0
	for _, r := range activeRows(in) {
		if r.LastReviewDate == nil {
			continue
		}
		if in.Now.Sub(*r.LastReviewDate) > ReviewOverdueAfter {
			n++
		}
	}
	return float64(n), nil
}

func policyViolations(in Input) (float64, error) {
	n := 0
	for _, r := range in.Rows {
		if isOrphan(in, r) {
			n++
		}
		if in.Has(model.ColFailedAttempts) && r.FailedAttempts > ExcessiveFailures {
			n++
		}
		if in.Has(model.ColIsPrivileged) && r.IsPrivileged {
			if r.LastReviewDate == nil || in.Now.Sub(*r.LastReviewDate) > PrivilegedReviewAfter {
				n++
			}
		}
	}
	return float64(n), nil
}

func excessivePermissions(in Input) (float64, error) {
	if !in.Has(model.ColIsPrivileged) {
		return 0, nil
	}
	n := 0
	for _, r := range in.Rows {
		if !r.IsPrivileged {
			continue
		}
		if in.Has(model.ColEnvironment) {
			env := strings.ToUpper(strings.TrimSpace(r.Environment))
			if env != "" && env != "PROD" && env != "PRODUCTION" {
				n++
			}
		}
		if in.Has(model.ColJustification) && strings.TrimSpace(r.Justification) == "" {
			n++
		}
	}
	return float64(n), nil
}

func dormantAccounts(in Input) (float64, error) {
	if !in.Has(model.ColLastLoginDate) {
		return 0, nil
	}
	n := 0
	for _, r := range activeRows(in) {
		if r.LastLoginDate != nil {
			if in.Now.Sub(*r.LastLoginDate) > DormantAfter {
				n++
			}
			continue
		}
		if r.AccountCreatedDate != nil && in.Now.Sub(*r.AccountCreatedDate) > NeverLoggedInGrace {
			n++
		}
	}
	return float64(n), nil
}
