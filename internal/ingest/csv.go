// Package ingest reads access snapshots from CSV files into model.Snapshot.
//
// Parsing is lenient per cell: an empty or unparseable optional value is
// treated as absent for that row, so metric functions see the same shape as
// a missing column. A missing app_id column, an app_id holding control
// characters, or an unreadable file fails the whole snapshot.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// FullLoadAppThreshold is the distinct-app count above which a snapshot is
// treated as a full load rather than an incremental one.
const FullLoadAppThreshold = 100

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
}

// ParseFile opens path and parses it as a snapshot.
func ParseFile(path string) (*model.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Validation("snapshot file not found", map[string]string{"path": path}, err)
		}
		return nil, errs.Processing("open snapshot", map[string]string{"path": path}, err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads a CSV snapshot with a header row. Column names are matched
// case-insensitively; unknown columns are ignored.
func Parse(r io.Reader, source string) (*model.Snapshot, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errs.Validation("snapshot is empty", map[string]string{"source": source}, nil)
	}
	if err != nil {
		return nil, errs.Validation("read snapshot header", map[string]string{"source": source}, err)
	}

	known := make(map[model.Column]bool, len(model.KnownColumns))
	for _, c := range model.KnownColumns {
		known[c] = true
	}
	index := make(map[model.Column]int)
	var columns []model.Column
	for i, h := range header {
		c := model.Column(strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))))
		if !known[c] {
			continue
		}
		if _, dup := index[c]; dup {
			return nil, errs.Validation("duplicate column", map[string]string{"source": source, "column": string(c)}, nil)
		}
		index[c] = i
		columns = append(columns, c)
	}
	if _, ok := index[model.ColAppID]; !ok {
		return nil, errs.Validation("snapshot has no app_id column", map[string]string{"source": source}, nil)
	}

	var records []model.ComplianceRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, errs.Validation("malformed snapshot row", map[string]string{
				"source": source,
				"line":   strconv.Itoa(line),
			}, err)
		}
		rec := buildRecord(row, index)
		if strings.ContainsFunc(rec.AppID, unicode.IsControl) {
			line, _ := cr.FieldPos(0)
			return nil, errs.Validation("app_id contains control characters", map[string]string{
				"source": source,
				"line":   strconv.Itoa(line),
			}, nil)
		}
		records = append(records, rec)
	}

	snap := model.NewSnapshot(columns, records)
	snap.Source = source
	snap.FullLoad = len(snap.AppIDs()) > FullLoadAppThreshold
	return snap, nil
}

func buildRecord(row []string, index map[model.Column]int) model.ComplianceRecord {
	cell := func(c model.Column) string {
		i, ok := index[c]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	return model.ComplianceRecord{
		AppID:              cell(model.ColAppID),
		UserID:             cell(model.ColUserID),
		Status:             cell(model.ColStatus),
		IsPrivileged:       parseBool(cell(model.ColIsPrivileged)),
		Role:               cell(model.ColRole),
		Environment:        cell(model.ColEnvironment),
		Justification:      cell(model.ColJustification),
		FailedAttempts:     parseCount(cell(model.ColFailedAttempts)),
		ExitDate:           parseDate(cell(model.ColExitDate)),
		LastReviewDate:     parseDate(cell(model.ColLastReviewDate)),
		LastLoginDate:      parseDate(cell(model.ColLastLoginDate)),
		AccountCreatedDate: parseDate(cell(model.ColAccountCreatedDate)),
		AccessRequestDate:  parseDate(cell(model.ColAccessRequestDate)),
		AccessGrantedDate:  parseDate(cell(model.ColAccessGrantedDate)),
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return true
	default:
		return false
	}
}

// parseCount accepts integers and integral floats ("3.0"). Anything else,
// including negatives, counts as absent.
func parseCount(s string) int {
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f != float64(int(f)) {
		return 0
	}
	return int(f)
}

func parseDate(s string) *time.Time {
	switch strings.ToLower(s) {
	case "", "nan", "nat", "null", "none":
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// Summary summarizes a snapshot for logs.
func Summary(s *model.Snapshot) string {
	load := "incremental"
	if s.FullLoad {
		load = "full"
	}
	return fmt.Sprintf("%s: %d rows, %d apps, %s load", s.Source, len(s.Records), len(s.AppIDs()), load)
}
