package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Break reasons.
const (
	BreakUnreadable   = "unreadable"
	BreakGenesis      = "genesis"
	BreakHashMismatch = "hash_mismatch"
)

// ChainBreak locates the first entry that does not link to its predecessor.
// An edited entry is reported on the line after it, so the preceding event
// is kept alongside.
type ChainBreak struct {
	Line          int    `json:"line"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail"`
	EventType     string `json:"event_type,omitempty"`
	AppID         string `json:"app_id,omitempty"`
	Timestamp     string `json:"ts,omitempty"`
	PrevEventType string `json:"prev_event_type,omitempty"`
}

func (b ChainBreak) String() string {
	var s strings.Builder
	fmt.Fprintf(&s, "line %d", b.Line)
	if b.EventType != "" {
		fmt.Fprintf(&s, " (%s", b.EventType)
		if b.AppID != "" {
			fmt.Fprintf(&s, ", app %s", b.AppID)
		}
		s.WriteString(")")
	}
	fmt.Fprintf(&s, ": %s: %s", b.Reason, b.Detail)
	if b.PrevEventType != "" {
		fmt.Fprintf(&s, "; line %d is %s", b.Line-1, b.PrevEventType)
	}
	return s.String()
}

// VerifyResult is the outcome of a hash chain verification. Lines and Events
// cover the intact prefix of the log.
type VerifyResult struct {
	Valid  bool           `json:"valid"`
	Lines  int            `json:"lines"`
	Events map[string]int `json:"events,omitempty"`
	Break  *ChainBreak    `json:"break,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// EventSummary lists event counts as "type=n", sorted by type.
func (r VerifyResult) EventSummary() string {
	types := make([]string, 0, len(r.Events))
	for t := range r.Events {
		types = append(types, t)
	}
	sort.Strings(types)
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = fmt.Sprintf("%s=%d", t, r.Events[t])
	}
	return strings.Join(parts, ", ")
}

// Verify reads a JSONL audit log and checks that every entry carries the hash
// of the line before it, starting from the genesis hash. It stops at the
// first break.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	res := VerifyResult{Events: make(map[string]int)}
	expected := GenesisHash
	prevType := ""

	for scanner.Scan() {
		lineNum := res.Lines + 1
		line := scanner.Bytes()

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			res.Break = &ChainBreak{Line: lineNum, Reason: BreakUnreadable, Detail: err.Error(), PrevEventType: prevType}
			return res
		}
		if entry.PrevHash != expected {
			b := &ChainBreak{
				Line:          lineNum,
				Reason:        BreakHashMismatch,
				Detail:        fmt.Sprintf("expected prev_hash %s, got %s", expected, entry.PrevHash),
				EventType:     entry.EventType,
				AppID:         entry.Details["app_id"],
				Timestamp:     entry.Timestamp,
				PrevEventType: prevType,
			}
			if lineNum == 1 {
				b.Reason = BreakGenesis
				b.Detail = fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", entry.PrevHash)
			}
			res.Break = b
			return res
		}
		expected = HashLine(line)
		prevType = entry.EventType
		res.Events[entry.EventType]++
		res.Lines = lineNum
	}

	if err := scanner.Err(); err != nil {
		res.Error = fmt.Sprintf("scan: %v", err)
		return res
	}
	res.Valid = true
	return res
}
