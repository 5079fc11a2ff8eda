package audit

import (
	"time"

	"github.com/ppiankov/accesswatch/internal/model"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Entry is one line in the hash-chained JSONL audit log.
// encoding/json sorts map keys, so Details marshals deterministically and
// the line hash is reproducible.
type Entry struct {
	Timestamp string            `json:"ts"`
	EventType string            `json:"event_type"`
	Details   map[string]string `json:"details"`
	PrevHash  string            `json:"prev_hash"`
}

// EntryFromEvent converts an audit event to a log entry.
func EntryFromEvent(e model.AuditEvent) Entry {
	ts := ""
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UTC().Format(TimestampFormat)
	}
	return Entry{Timestamp: ts, EventType: e.EventType, Details: e.Details}
}

// Time parses the entry timestamp. Unparseable timestamps yield the zero time.
func (e Entry) Time() time.Time {
	t, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
