package audit

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/impactgate/internal/eventstore"
)

func FuzzVerifyFile(f *testing.F) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		store.Append(ctx, "fuzz", uint64(i), eventstore.Draft{Type: "Tick", Data: map[string]int{"n": i}})
	}
	var buf bytes.Buffer
	Export(ctx, store, &buf)
	f.Add(buf.Bytes())

	f.Add([]byte{})
	f.Add([]byte(`{"not":"a valid event"}` + "\n"))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		tmpFile := filepath.Join(t.TempDir(), "fuzz.jsonl")
		os.WriteFile(tmpFile, data, 0o644)

		// Must not panic
		VerifyFile(tmpFile)
	})
}
