package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

// FileRepository stores each run's trace as {dir}/{run_id}.jsonl.
type FileRepository struct {
	dir string
	mu  sync.Mutex
}

// NewFileRepository creates a repository rooted at dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// Dir returns the repository directory.
func (r *FileRepository) Dir() string { return r.dir }

// Path returns the file holding runID's trace.
func (r *FileRepository) Path(runID string) string {
	return filepath.Join(r.dir, runID+".jsonl")
}

// Append implements Sink.
func (r *FileRepository) Append(runID string, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return goerr.Wrap(err, "failed to create trace directory", goerr.V("dir", r.dir))
	}

	var buf bytes.Buffer
	if err := Encode(&buf, []Record{rec}); err != nil {
		return goerr.Wrap(err, "failed to encode trace record", goerr.V("ordinal", rec.Ordinal))
	}

	path := r.Path(runID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return goerr.Wrap(err, "failed to open trace file", goerr.V("path", path))
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return goerr.Wrap(err, "failed to write trace file", goerr.V("path", path))
	}
	return nil
}

// Save writes a whole trace, replacing any existing file.
func (r *FileRepository) Save(t Trace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return goerr.Wrap(err, "failed to create trace directory", goerr.V("dir", r.dir))
	}
	var buf bytes.Buffer
	if err := Encode(&buf, t.Records); err != nil {
		return goerr.Wrap(err, "failed to encode trace", goerr.V("run_id", t.RunID))
	}
	path := r.Path(t.RunID)
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return goerr.Wrap(err, "failed to write trace file", goerr.V("path", path))
	}
	return nil
}

// Load reads runID's trace.
func (r *FileRepository) Load(runID string) (Trace, error) {
	return LoadFile(r.Path(runID))
}

// List returns the run IDs with a trace file, sorted.
func (r *FileRepository) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to read trace directory", goerr.V("dir", r.dir))
	}
	var ids []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, ".jsonl") {
			ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadFile reads a trace file. The run ID is the file name without extension.
func LoadFile(path string) (Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return Trace{}, goerr.Wrap(err, "failed to open trace file", goerr.V("path", path))
	}
	defer f.Close()

	records, err := Decode(f)
	if err != nil {
		return Trace{}, goerr.Wrap(err, "failed to decode trace file", goerr.V("path", path))
	}
	return Trace{
		RunID:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Records: records,
	}, nil
}
