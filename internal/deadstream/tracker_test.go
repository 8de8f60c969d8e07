package deadstream

import (
	"path/filepath"
	"testing"
)

func TestMarkDeadPreservesFirstDetected(t *testing.T) {
	tr, err := Load(filepath.Join(t.TempDir(), "dead_streams.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.MarkDead("http://x", 1, 2, "Channel"); err != nil {
		t.Fatal(err)
	}
	first := tr.entries["http://x"].FirstDetected

	if err := tr.MarkDead("http://x", 1, 2, "Channel"); err != nil {
		t.Fatal(err)
	}
	if got := tr.entries["http://x"].FirstDetected; !got.Equal(first) {
		t.Fatalf("expected FirstDetected to be stable across re-marks, got %v want %v", got, first)
	}
}

func TestMarkAliveRemovesEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead_streams.json")
	tr, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.MarkDead("http://x", 1, 2, "Channel"); err != nil {
		t.Fatal(err)
	}
	if !tr.IsDead("http://x") {
		t.Fatal("expected url to be dead")
	}
	if err := tr.MarkAlive("http://x"); err != nil {
		t.Fatal(err)
	}
	if tr.IsDead("http://x") {
		t.Fatal("expected url to be revived")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.IsDead("http://x") {
		t.Fatal("expected revival to persist across reload")
	}
}

func TestCleanupDropsUnknownURLs(t *testing.T) {
	tr, err := Load(filepath.Join(t.TempDir(), "dead_streams.json"))
	if err != nil {
		t.Fatal(err)
	}
	tr.MarkDead("http://keep", 1, 1, "a")
	tr.MarkDead("http://drop", 2, 2, "b")

	if err := tr.Cleanup(map[string]struct{}{"http://keep": {}}); err != nil {
		t.Fatal(err)
	}
	if !tr.IsDead("http://keep") || tr.IsDead("http://drop") {
		t.Fatalf("cleanup kept/dropped the wrong urls: keep=%v drop=%v", tr.IsDead("http://keep"), tr.IsDead("http://drop"))
	}
}
