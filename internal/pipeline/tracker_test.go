package pipeline

import (
	"path/filepath"
	"testing"
)

func TestCheckTrackerUpdateThenGetRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.json")
	tr, err := LoadCheckTracker(path)
	if err != nil {
		t.Fatalf("LoadCheckTracker: %v", err)
	}

	if got := tr.Get(1); got.StreamCount != 0 {
		t.Fatalf("expected zero-value state for unknown channel, got %+v", got)
	}

	if err := tr.Update(1, []int{10, 11, 12}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	state := tr.Get(1)
	if state.StreamCount != 3 || state.NeedsCheck || state.ForceCheck || state.LastCheckUnix == 0 {
		t.Fatalf("unexpected state after Update: %+v", state)
	}

	reloaded, err := LoadCheckTracker(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Get(1); got.StreamCount != 3 {
		t.Fatalf("state did not persist across reload: %+v", got)
	}
}

func TestSetForceCheckThenUpdateClearsIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.json")
	tr, _ := LoadCheckTracker(path)

	if err := tr.SetForceCheck(5); err != nil {
		t.Fatalf("SetForceCheck: %v", err)
	}
	if !tr.Get(5).ForceCheck {
		t.Fatal("expected ForceCheck to be set")
	}

	if err := tr.Update(5, []int{1}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.Get(5).ForceCheck {
		t.Fatal("expected ForceCheck to be cleared after Update")
	}
}

func TestMarkNeedsCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.json")
	tr, _ := LoadCheckTracker(path)

	if err := tr.MarkNeedsCheck(7); err != nil {
		t.Fatalf("MarkNeedsCheck: %v", err)
	}
	if !tr.Get(7).NeedsCheck {
		t.Fatal("expected NeedsCheck to be set")
	}
}

func TestLoadCheckTrackerMissingFileStartsEmpty(t *testing.T) {
	tr, err := LoadCheckTracker(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if got := tr.Get(99); got.StreamCount != 0 {
		t.Fatalf("expected empty state, got %+v", got)
	}
}
