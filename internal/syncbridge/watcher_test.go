package syncbridge

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherFiresOnSnapshotWrite(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	watcher := NewWatcher(dir, 20*time.Millisecond, func() {
		fired.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	// Give the watcher a moment to register.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "guest-messages.json")
	if err := os.WriteFile(path, []byte(`{"items":[]}`), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never fired for snapshot write")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherIgnoresTempAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	watcher := NewWatcher(dir, 20*time.Millisecond, func() {
		fired.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "queue.json.tmp-123"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("watcher fired %d times for irrelevant files", fired.Load())
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	watcher := NewWatcher(dir, 100*time.Millisecond, func() {
		fired.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "pos-orders.json")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"items":[]}`), 0o644); err != nil {
			t.Fatalf("write snapshot: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected one debounced callback, got %d", got)
	}
}

func TestWatcherMissingRoot(t *testing.T) {
	watcher := NewWatcher(filepath.Join(t.TempDir(), "missing"), 0, nil)
	if err := watcher.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing root")
	}
}
