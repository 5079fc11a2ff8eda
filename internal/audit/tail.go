package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Filter selects entries for Tail. Zero fields match everything.
type Filter struct {
	EventType string
	AppID     string
	From      time.Time
	To        time.Time
	Limit     int // keep only the last Limit matches
}

// Summary counts the entries returned by Tail.
type Summary struct {
	Total          int            `json:"total"`
	ByEvent        map[string]int `json:"by_event"`
	FailedDispatch int            `json:"failed_dispatch"`
	FirstTimestamp string         `json:"first_timestamp"`
	LastTimestamp  string         `json:"last_timestamp"`
}

// TailResult holds filtered entries in log order.
type TailResult struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

func (f Filter) match(e Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.AppID != "" && e.Details["app_id"] != f.AppID {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts := e.Time()
		if ts.IsZero() {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

// Tail reads the audit log and returns the entries matching filter.
// Malformed lines are skipped; use Verify to detect them.
func Tail(path string, filter Filter) (*TailResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if filter.match(entry) {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	result := &TailResult{Entries: entries, Summary: Summary{ByEvent: map[string]int{}}}
	for _, e := range entries {
		updateSummary(&result.Summary, e)
	}
	return result, nil
}

func updateSummary(s *Summary, e Entry) {
	s.Total++
	s.ByEvent[e.EventType]++
	if e.Details["success"] == "false" {
		s.FailedDispatch++
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
