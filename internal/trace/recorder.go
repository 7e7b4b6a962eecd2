package trace

import (
	"sync"

	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Sink stores records. Append is called with ordinals in increasing order per run.
type Sink interface {
	Append(runID string, rec Record) error
}

// Recorder assigns ordinals and fans records out to sinks.
// It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	ordinals map[string]int64
	sinks    []Sink
	err      error
}

// NewRecorder creates a recorder writing to sinks.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{ordinals: make(map[string]int64), sinks: sinks}
}

// Record appends a record for runID. Sink failures are kept, not returned,
// so that tracing never stops a run; see Err.
func (r *Recorder) Record(runID string, kind Kind, payload any) {
	rec, err := NewRecord(kind, payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.fail(err)
		return
	}
	r.ordinals[runID]++
	rec.Ordinal = r.ordinals[runID]
	for _, s := range r.sinks {
		if err := s.Append(runID, rec); err != nil {
			r.fail(err)
		}
	}
}

func (r *Recorder) fail(err error) {
	logging.Debugf("[trace] record failed: %v", err)
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first sink or encoding error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// OnStep records an agent step.
func (r *Recorder) OnStep(step models.AgentStep) {
	r.Record(step.RunID, KindAgentStep, step)
}

// OnPublish records a bus publish. Messages outside any run, such as
// heartbeats, are not recorded.
func (r *Recorder) OnPublish(msg models.Message) {
	if msg.CorrelationID == "" {
		return
	}
	r.Record(msg.CorrelationID, KindBusPublish, msg)
}

// Memory keeps traces in memory.
type Memory struct {
	mu     sync.Mutex
	traces map[string][]Record
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{traces: make(map[string][]Record)}
}

// Append implements Sink.
func (m *Memory) Append(runID string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces[runID] = append(m.traces[runID], rec)
	return nil
}

// Trace returns a copy of runID's records.
func (m *Memory) Trace(runID string) Trace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Trace{RunID: runID, Records: append([]Record(nil), m.traces[runID]...)}
}
