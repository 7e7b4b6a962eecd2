package worker

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/hive/internal/adapter"
	"github.com/ShayCichocki/hive/internal/agent"
	"github.com/ShayCichocki/hive/internal/belief"
	"github.com/ShayCichocki/hive/internal/bus"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

const coordID = "coordinator"

func startWorker(t *testing.T, b *bus.Bus, cfg Config) {
	t.Helper()
	w, err := New(b, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) && !errors.Is(err, bus.ErrClosed) {
			t.Errorf("Run() error = %v", err)
		}
	})
}

func dispatch(t *testing.T, b *bus.Bus, workerID string, spec models.TaskSpec) models.Message {
	t.Helper()
	msg, err := models.NewMessage(spec.DispatchID, models.MessageDispatch, models.DispatchPayload{Task: spec})
	if err != nil {
		t.Fatal(err)
	}
	msg.CorrelationID = spec.RunID
	msg.Sender = coordID
	msg.Recipient = workerID
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	return msg
}

func next(t *testing.T, sub *bus.Subscription) models.Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no reply from worker")
		return models.Message{}
	}
}

func replies(b *bus.Bus) *bus.Subscription {
	return b.Subscribe("test-coordinator", func(m models.Message) bool {
		return m.Recipient == coordID && (m.Type == models.MessageResult || m.Type == models.MessageError)
	})
}

var spec = models.TaskSpec{
	ID:           "t1",
	RunID:        "run-1",
	DispatchID:   "run-1/t1/1",
	GoalFragment: "count the files",
	Goal:         "audit",
	Attempt:      1,
	MaxSteps:     3,
}

func TestWorkerPublishesResult(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := replies(b)
	store := belief.NewMemoryStore()
	a := adapter.NewScripted().OnTask("t1", adapter.Text("42 files\nDONE"))
	startWorker(t, b, Config{ID: "w1", Adapter: a, Beliefs: store, HeartbeatInterval: -1})

	dispatch(t, b, "w1", spec)
	reply := next(t, sub)

	if reply.Type != models.MessageResult {
		t.Fatalf("reply type = %s, want result", reply.Type)
	}
	if reply.CausalParentID != spec.DispatchID || reply.CorrelationID != "run-1" || reply.Sender != "w1" {
		t.Errorf("reply envelope = %+v", reply)
	}
	var p models.ResultPayload
	if err := reply.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Output != "42 files" || p.Steps != 1 || p.TaskID != "t1" {
		t.Errorf("payload = %+v", p)
	}
	got, err := store.Get(context.Background(), "run-1/"+agent.NotesKey("t1"))
	if err != nil || got != "42 files\nDONE" {
		t.Errorf("belief = %q, %v; want notes under the run namespace", got, err)
	}
}

func TestWorkerStepOrdinalsSpanDispatches(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := replies(b)

	var mu sync.Mutex
	var ordinals []int64
	observer := agent.StepObserverFunc(func(st models.AgentStep) {
		mu.Lock()
		ordinals = append(ordinals, st.Ordinal)
		mu.Unlock()
	})
	a := adapter.NewScripted().
		OnTask("t1", adapter.Text("one\nDONE")).
		OnTask("t2", adapter.Text("two\nDONE"))
	startWorker(t, b, Config{ID: "w1", Adapter: a, Observer: observer, HeartbeatInterval: -1})

	second := spec
	second.ID, second.DispatchID = "t2", "run-1/t2/1"
	for _, s := range []models.TaskSpec{spec, second} {
		dispatch(t, b, "w1", s)
		if reply := next(t, sub); reply.Type != models.MessageResult {
			t.Fatalf("%s: reply type = %s, want result", s.ID, reply.Type)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []int64{1, 2}; !slices.Equal(ordinals, want) {
		t.Errorf("step ordinals = %v, want %v", ordinals, want)
	}
}

func TestWorkerIncompleteIsRecoverable(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := replies(b)
	a := adapter.NewScripted().OnTask("t1", adapter.Text("thinking"), adapter.Text("still thinking"), adapter.Text("hmm"))
	startWorker(t, b, Config{ID: "w1", Adapter: a, HeartbeatInterval: -1})

	dispatch(t, b, "w1", spec)
	reply := next(t, sub)

	var p models.ErrorPayload
	if reply.Type != models.MessageError || reply.Decode(&p) != nil {
		t.Fatalf("reply = %+v", reply)
	}
	if p.Status != models.AgentIncomplete || !p.Recoverable || p.Steps != 3 {
		t.Errorf("payload = %+v", p)
	}
}

func TestWorkerUndecodableDispatch(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := replies(b)
	startWorker(t, b, Config{ID: "w1", Adapter: adapter.Echo{}, HeartbeatInterval: -1})

	bad := models.Message{ID: "d1", Type: models.MessageDispatch, Payload: json.RawMessage(`"nope"`),
		CorrelationID: "run-1", Sender: coordID, Recipient: "w1"}
	if err := b.Publish(context.Background(), bad); err != nil {
		t.Fatal(err)
	}

	var p models.ErrorPayload
	reply := next(t, sub)
	if err := reply.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Recoverable || p.Status != models.AgentError || reply.CausalParentID != "d1" {
		t.Errorf("reply = %+v payload = %+v", reply, p)
	}
}

func TestWorkerIgnoresRedeliveredDispatch(t *testing.T) {
	b := bus.New(bus.WithDuplicateRate(1, 3))
	defer b.Close()
	sub := replies(b)
	a := adapter.NewScripted().OnTask("t1", adapter.Text("DONE"), adapter.Text("DONE"))
	mem := trace.NewMemory()
	startWorker(t, b, Config{ID: "w1", Adapter: a, HeartbeatInterval: -1, Recorder: trace.NewRecorder(mem)})

	dispatch(t, b, "w1", spec)
	next(t, sub)

	time.Sleep(20 * time.Millisecond)
	if a.CallsFor("t1") != 1 {
		t.Errorf("adapter calls = %d, want 1", a.CallsFor("t1"))
	}
	if got := len(mem.Trace("run-1").Of(trace.KindWorkerRecv)); got != 2 {
		t.Errorf("worker.receive records = %d, want both deliveries", got)
	}
}

func TestWorkerHeartbeats(t *testing.T) {
	b := bus.New()
	defer b.Close()
	beats := b.Subscribe("beats", bus.ForTypes(models.MessageHeartbeat))
	startWorker(t, b, Config{ID: "w7", Adapter: adapter.Echo{}, HeartbeatInterval: 5 * time.Millisecond})

	for i := 0; i < 3; i++ {
		msg := next(t, beats)
		var p models.HeartbeatPayload
		if err := msg.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.WorkerID != "w7" || msg.Recipient != coordID {
			t.Errorf("heartbeat = %+v", msg)
		}
	}
}

func TestNewValidates(t *testing.T) {
	b := bus.New()
	defer b.Close()
	if _, err := New(b, Config{Adapter: adapter.Echo{}}); err == nil {
		t.Error("New() without an ID succeeded")
	}
	if _, err := New(b, Config{ID: "w"}); err == nil {
		t.Error("New() without an adapter succeeded")
	}
}

func TestPool(t *testing.T) {
	b := bus.New()
	sub := replies(b)
	p, err := NewPool(b, 2, "", Config{Adapter: adapter.Echo{}, HeartbeatInterval: -1})
	if err != nil {
		t.Fatal(err)
	}
	if ids := p.IDs(); len(ids) != 2 || ids[0] != "worker-1" || ids[1] != "worker-2" {
		t.Fatalf("IDs() = %v", ids)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	dispatch(t, b, "worker-2", spec)
	if reply := next(t, sub); reply.Type != models.MessageResult || reply.Sender != "worker-2" {
		t.Errorf("reply = %+v", reply)
	}

	b.Close()
	if err := <-done; err != nil {
		t.Errorf("Run() after bus close = %v, want nil", err)
	}
	if _, err := NewPool(b, 0, "", Config{}); err == nil {
		t.Error("NewPool(0) succeeded")
	}
}
