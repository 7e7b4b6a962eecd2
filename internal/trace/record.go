// Package trace records everything needed to replay a run: bus traffic,
// coordinator inputs, planner exchanges, agent steps and task transitions.
//
// A trace is an ordered, append-only list of records per run. Ordinals are
// assigned by the Recorder and increase by one per record within a run.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind names what a record's payload holds.
type Kind string

const (
	KindRunStart     Kind = "run.start"
	KindPlanExchange Kind = "plan.exchange"
	KindRunPlan      Kind = "run.plan"
	KindBusPublish   Kind = "bus.publish"
	KindDispatch     Kind = "coord.dispatch"
	KindReceive      Kind = "coord.receive"
	KindTimeout      Kind = "coord.timeout"
	KindBackoff      Kind = "coord.backoff"
	KindWorkerLost   Kind = "coord.worker_lost"
	KindCancel       Kind = "coord.cancel"
	KindWorkerRecv   Kind = "worker.receive"
	KindAgentStep    Kind = "agent.step"
	KindTransition   Kind = "task.transition"
	KindRunEnd       Kind = "run.end"
)

// Record is one trace entry. Payload is kept as the exact bytes read or
// written so that re-encoding a decoded record reproduces it.
type Record struct {
	Ordinal int64           `json:"ordinal"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`

	// raw is the line a decoded record was read from.
	raw []byte
}

// NewRecord encodes payload into a record with no ordinal.
func NewRecord(kind Kind, payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Record{Kind: kind, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s record %d: %w", r.Kind, r.Ordinal, err)
	}
	return nil
}

// MarshalJSON writes the record with its payload bytes untouched.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return bytes.Clone(r.raw), nil
	}
	kind, err := json.Marshal(string(r.Kind))
	if err != nil {
		return nil, err
	}
	payload := []byte(r.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	var b bytes.Buffer
	b.WriteString(`{"ordinal":`)
	b.WriteString(strconv.FormatInt(r.Ordinal, 10))
	b.WriteString(`,"kind":`)
	b.Write(kind)
	b.WriteString(`,"payload":`)
	b.Write(payload)
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Trace is the ordered record list of one run.
type Trace struct {
	RunID   string
	Records []Record
}

// Of returns the records of the given kinds, in order.
func (t Trace) Of(kinds ...Kind) []Record {
	var out []Record
	for _, r := range t.Records {
		for _, k := range kinds {
			if r.Kind == k {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
