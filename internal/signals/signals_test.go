package signals

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func next(t *testing.T, w *Watcher) string {
	t.Helper()
	select {
	case id := <-w.C():
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("no cancel request reported")
		return ""
	}
}

func TestWatcher_ReportsNewRequests(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if err := SendCancel(root, "run-1"); err != nil {
		t.Fatalf("SendCancel failed: %v", err)
	}
	if got := next(t, w); got != "run-1" {
		t.Errorf("reported %q, want run-1", got)
	}
	if !w.Pending("run-1") {
		t.Error("Pending(run-1) = false")
	}

	// A rewrite of the same file is not reported twice.
	if err := SendCancel(root, "run-1"); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-w.C():
		t.Errorf("duplicate report %q", id)
	case <-time.After(80 * time.Millisecond):
	}

	if err := w.Clear("run-1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if w.Pending("run-1") {
		t.Error("request still pending after Clear")
	}
	if err := SendCancel(root, "run-1"); err != nil {
		t.Fatal(err)
	}
	if got := next(t, w); got != "run-1" {
		t.Errorf("reported %q after Clear, want run-1", got)
	}
}

func TestWatcher_ExistingRequests(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"b", "a"} {
		if err := SendCancel(root, id); err != nil {
			t.Fatal(err)
		}
	}
	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(Dir(root), "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(root, WithPollInterval(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if first, second := next(t, w), next(t, w); first != "a" || second != "b" {
		t.Errorf("reported %q, %q; want a, b", first, second)
	}
}

func TestSendCancel_RejectsPaths(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"", "../x", `a\b`} {
		if err := SendCancel(root, id); err == nil {
			t.Errorf("SendCancel(%q) succeeded", id)
		}
	}
}

func TestClear_Missing(t *testing.T) {
	w, err := NewWatcher(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Clear("never-sent"); err != nil {
		t.Errorf("Clear() = %v", err)
	}
}
