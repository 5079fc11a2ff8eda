package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/ppiankov/accesswatch/internal/alert"
	"github.com/ppiankov/accesswatch/internal/model"
)

// AlertLoader reads stored alerts. Empty appID loads every application.
type AlertLoader interface {
	LoadAlerts(ctx context.Context, appID string) ([]model.Alert, error)
}

// DigestSender delivers digests.
type DigestSender interface {
	SendDigest(ctx context.Context, alerts []model.Alert) []alert.ChannelOutcome
}

// DigestAlerts returns stored alerts created at or after since with severity
// at most maxSeverity, oldest first.
func DigestAlerts(ctx context.Context, store AlertLoader, since time.Time, maxSeverity model.Severity) ([]model.Alert, error) {
	all, err := store.LoadAlerts(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []model.Alert
	for _, a := range all {
		if a.CreatedAt.Before(since) {
			continue
		}
		if a.Severity.Rank() > maxSeverity.Rank() {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SendDigest sends the MEDIUM and LOW alerts created since the given instant.
func SendDigest(ctx context.Context, store AlertLoader, sender DigestSender, since time.Time) ([]model.Alert, []alert.ChannelOutcome, error) {
	alerts, err := DigestAlerts(ctx, store, since, model.SeverityMedium)
	if err != nil {
		return nil, nil, err
	}
	return alerts, sender.SendDigest(ctx, alerts), nil
}
