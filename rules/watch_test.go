package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestWatchFile verifies that writing the watched file triggers onChange
func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(path, []byte(flatModel), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, func() { changed <- struct{}{} })
	}()

	deadline := time.After(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(flatModelV2), 0o644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}

		select {
		case <-changed:
			cancel()
			if err := <-done; err != nil {
				t.Errorf("WatchFile() returned error: %v", err)
			}
			return
		case <-time.After(100 * time.Millisecond):
			// the watcher may not be registered yet
		case <-deadline:
			t.Fatal("timed out waiting for change notification")
		}
	}
}

// TestWatchFileMissingDirectory verifies that an unwatchable path is an error
func TestWatchFileMissingDirectory(t *testing.T) {
	err := WatchFile(context.Background(), filepath.Join(t.TempDir(), "missing", "rules.json"), func() {})
	if err == nil {
		t.Error("expected error for a missing directory")
	}
}
