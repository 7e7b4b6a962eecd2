// Package signals lets one hive process ask another to cancel a run.
// A request is a file named cancel-<run-id> in .hive/signals.
package signals

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const cancelPrefix = "cancel-"

// Dir returns the signals directory under projectRoot.
func Dir(projectRoot string) string {
	return filepath.Join(projectRoot, ".hive", "signals")
}

// SendCancel writes a cancel request for runID.
func SendCancel(projectRoot, runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	dir := Dir(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, cancelPrefix+runID)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Watcher reports cancel requests as they appear. Each run ID is reported
// once until Clear is called for it.
type Watcher struct {
	dir  string
	poll time.Duration

	mu   sync.Mutex
	seen map[string]bool

	watcher *fsnotify.Watcher
	out     chan string
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPollInterval sets how often the directory is rescanned. The scan
// catches requests the file watcher missed and is the only source when
// fsnotify is unavailable. Defaults to 1s.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.poll = d }
}

// NewWatcher starts watching projectRoot's signals directory. Requests
// already present are reported first.
func NewWatcher(projectRoot string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		dir:  Dir(projectRoot),
		poll: time.Second,
		seen: make(map[string]bool),
		out:  make(chan string, 16),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return nil, err
	}

	if fw, err := fsnotify.NewWatcher(); err == nil {
		if err := fw.Add(w.dir); err != nil {
			fw.Close()
		} else {
			w.watcher = fw
		}
	}
	// Continue without a watcher; polling covers it.

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// C delivers the run IDs of cancel requests.
func (w *Watcher) C() <-chan string { return w.out }

func (w *Watcher) loop() {
	defer w.wg.Done()
	w.scan()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w.watcher != nil {
		events, errs = w.watcher.Events, w.watcher.Errors
	}
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.report(filepath.Base(event.Name))
			}
		case _, ok := <-errs:
			// Ignore errors, keep watching
			if !ok {
				errs = nil
			}
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		w.report(name)
	}
}

func (w *Watcher) report(name string) {
	runID, ok := strings.CutPrefix(name, cancelPrefix)
	if !ok || runID == "" {
		return
	}
	w.mu.Lock()
	if w.seen[runID] {
		w.mu.Unlock()
		return
	}
	w.seen[runID] = true
	w.mu.Unlock()

	select {
	case w.out <- runID:
	case <-w.done:
	}
}

// Pending reports whether a cancel request for runID exists on disk.
func (w *Watcher) Pending(runID string) bool {
	_, err := os.Stat(filepath.Join(w.dir, cancelPrefix+runID))
	return err == nil
}

// Clear removes runID's request so a later one is reported again.
func (w *Watcher) Clear(runID string) error {
	err := os.Remove(filepath.Join(w.dir, cancelPrefix+runID))
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	w.mu.Lock()
	delete(w.seen, runID)
	w.mu.Unlock()
	return err
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}
