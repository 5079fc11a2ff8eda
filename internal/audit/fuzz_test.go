package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func FuzzVerify(f *testing.F) {
	validLog := filepath.Join(f.TempDir(), "valid.jsonl")
	al, err := Open(validLog)
	if err != nil {
		f.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		al.Record(Entry{EventType: "kpi_computed", Details: map[string]string{"app_id": "APP-1"}})
	}
	al.Close()
	validData, _ := os.ReadFile(validLog)
	f.Add(validData)
	f.Add([]byte{})
	f.Add([]byte(`{"not":"a valid entry"}` + "\n"))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		tmpFile := filepath.Join(t.TempDir(), "fuzz.jsonl")
		os.WriteFile(tmpFile, data, 0o644)

		// Must not panic
		Verify(tmpFile)
		Tail(tmpFile, Filter{Limit: 2})
	})
}
