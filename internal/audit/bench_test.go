package audit

import (
	"path/filepath"
	"testing"
)

func BenchmarkRecord(b *testing.B) {
	al, err := Open(filepath.Join(b.TempDir(), "bench.jsonl"))
	if err != nil {
		b.Fatal(err)
	}
	defer al.Close()

	entry := Entry{EventType: "kpi_computed", Details: map[string]string{"app_id": "APP-1", "kpi_name": "orphan_accounts", "value": "3"}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		al.Record(entry)
	}
}
