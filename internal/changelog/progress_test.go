package changelog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestProgressUpdateAndClearPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	r := NewProgressReporter(path)

	if err := r.Update(Progress{ChannelID: 1, Name: "ESPN", Current: 2, Total: 5, Step: "probing"}); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if snap[1].Name != "ESPN" || snap[1].Timestamp == 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]Progress
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if len(onDisk) != 1 {
		t.Fatalf("expected 1 entry on disk, got %d", len(onDisk))
	}

	if err := r.Clear(1); err != nil {
		t.Fatal(err)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot after Clear")
	}
}
