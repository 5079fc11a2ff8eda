package audit

import (
	"sort"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/model"
)

// Mirror writes every event to the structured log and, when a chain log is
// attached, to the hash-chained file. A nil chain makes it log-only.
type Mirror struct {
	chain *Log
	log   *zap.Logger
}

// NewMirror creates a Mirror. chain may be nil.
func NewMirror(chain *Log, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{chain: chain, log: log.Named("audit")}
}

// Log records e. Only the chain write can fail.
func (m *Mirror) Log(e model.AuditEvent) error {
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys)+2)
	fields = append(fields, zap.String("event_type", e.EventType), zap.Time("event_time", e.Timestamp))
	for _, k := range keys {
		fields = append(fields, zap.String(k, e.Details[k]))
	}
	m.log.Info("audit event", fields...)

	if m.chain == nil {
		return nil
	}
	return m.chain.Log(e)
}

// Close closes the chain log, if any.
func (m *Mirror) Close() error {
	if m.chain == nil {
		return nil
	}
	return m.chain.Close()
}
