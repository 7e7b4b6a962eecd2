// Package worker wraps the agent loop behind the bus protocol.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hive/internal/adapter"
	"github.com/ShayCichocki/hive/internal/agent"
	"github.com/ShayCichocki/hive/internal/belief"
	"github.com/ShayCichocki/hive/internal/bus"
	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/policy"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Recorder receives worker.receive records.
type Recorder interface {
	Record(runID string, kind trace.Kind, payload any)
}

// Config configures a Worker.
type Config struct {
	// ID is the worker's bus name.
	ID string
	// Coordinator receives replies and heartbeats. Defaults to "coordinator".
	Coordinator string
	// HeartbeatInterval defaults to 5s. Negative disables heartbeats.
	HeartbeatInterval time.Duration

	Adapter adapter.Adapter
	Policy  policy.Evaluator
	// Beliefs is optional. Keys are namespaced by run ID.
	Beliefs   belief.Store
	BeliefTTL time.Duration
	Skill     agent.Skill
	Observer  agent.StepObserver

	Recorder Recorder
	Logger   logging.Logger
}

// Worker executes dispatched tasks one at a time.
type Worker struct {
	cfg Config
	bus *bus.Bus
	sub *bus.Subscription

	// steps numbers agent steps across every dispatch this worker runs.
	steps agent.Sequence

	mu   sync.Mutex
	busy string
	seen map[string]bool
}

// New creates a worker and subscribes it to its dispatches, so messages
// published before Run starts are queued.
func New(b *bus.Bus, cfg Config) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("worker %s: adapter is required", cfg.ID)
	}
	if cfg.Coordinator == "" {
		cfg.Coordinator = "coordinator"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop{}
	}
	w := &Worker{cfg: cfg, bus: b, seen: make(map[string]bool)}
	w.sub = b.Subscribe(cfg.ID, func(m models.Message) bool {
		return m.Recipient == cfg.ID && m.Type == models.MessageDispatch
	})
	return w, nil
}

// ID returns the worker's bus name.
func (w *Worker) ID() string { return w.cfg.ID }

// Run consumes dispatches until ctx is done or the bus closes. It
// unsubscribes the worker on return and must be called at most once.
func (w *Worker) Run(ctx context.Context) error {
	defer w.sub.Close()

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	if w.cfg.HeartbeatInterval > 0 {
		go w.heartbeats(hbCtx)
	}

	w.cfg.Logger.Debug("worker started", "worker_id", w.cfg.ID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-w.sub.C():
			if !ok {
				return bus.ErrClosed
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		w.beat(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	w.mu.Lock()
	busy := w.busy
	w.mu.Unlock()

	msg, err := models.NewMessage(uuid.NewString(), models.MessageHeartbeat, models.HeartbeatPayload{WorkerID: w.cfg.ID, Busy: busy})
	if err != nil {
		return
	}
	msg.Sender = w.cfg.ID
	msg.Recipient = w.cfg.Coordinator
	if err := w.bus.Publish(ctx, msg); err != nil && ctx.Err() == nil {
		debugLog("[worker %s] heartbeat failed: %v", w.cfg.ID, err)
	}
}

// handle runs one dispatch and publishes its reply. Redelivered dispatches
// are ignored.
func (w *Worker) handle(ctx context.Context, msg models.Message) {
	if w.cfg.Recorder != nil {
		w.cfg.Recorder.Record(msg.CorrelationID, trace.KindWorkerRecv, msg)
	}

	w.mu.Lock()
	if w.seen[msg.ID] {
		w.mu.Unlock()
		debugLog("[worker %s] duplicate dispatch %s ignored", w.cfg.ID, msg.ID)
		return
	}
	w.seen[msg.ID] = true
	w.busy = msg.ID
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.busy = ""
		w.mu.Unlock()
	}()

	var p models.DispatchPayload
	if err := msg.Decode(&p); err != nil {
		w.cfg.Logger.Error("undecodable dispatch", "worker_id", w.cfg.ID, "message_id", msg.ID, "error", err)
		w.reply(ctx, msg, models.MessageError, models.ErrorPayload{
			Status: models.AgentError,
			Reason: err.Error(),
		})
		return
	}
	spec := p.Task
	log := logging.With(w.cfg.Logger, "worker_id", w.cfg.ID, "run_id", spec.RunID, "task_id", spec.ID, "attempt", spec.Attempt)
	log.Debug("task received")

	res := w.loop(spec).Run(ctx, spec, max(spec.MaxSteps, 1))

	if res.Status == models.AgentSatisfied {
		log.Info("task satisfied", "steps", len(res.Steps))
		w.reply(ctx, msg, models.MessageResult, models.ResultPayload{
			TaskID: spec.ID,
			Output: res.Output,
			Steps:  len(res.Steps),
			Usage:  res.Usage,
		})
		return
	}
	log.Warn("task not satisfied", "status", res.Status, "reason", res.Reason)
	w.reply(ctx, msg, models.MessageError, models.ErrorPayload{
		TaskID:      spec.ID,
		Status:      res.Status,
		Reason:      res.Reason,
		Steps:       len(res.Steps),
		Recoverable: true,
	})
}

func (w *Worker) loop(spec models.TaskSpec) *agent.Loop {
	opts := agent.Options{
		WorkerID:  w.cfg.ID,
		Adapter:   w.cfg.Adapter,
		Policy:    w.cfg.Policy,
		Skill:     w.cfg.Skill,
		Observer:  w.cfg.Observer,
		Ordinals:  &w.steps,
		BeliefTTL: w.cfg.BeliefTTL,
	}
	if w.cfg.Beliefs != nil {
		opts.Beliefs = belief.NewClient(w.cfg.Beliefs, spec.RunID)
	}
	return agent.NewLoop(opts)
}

func (w *Worker) reply(ctx context.Context, dispatch models.Message, typ models.MessageType, payload any) {
	msg, err := models.NewMessage(uuid.NewString(), typ, payload)
	if err != nil {
		w.cfg.Logger.Error("encode reply", "worker_id", w.cfg.ID, "error", err)
		return
	}
	msg.CorrelationID = dispatch.CorrelationID
	msg.CausalParentID = dispatch.ID
	msg.Sender = w.cfg.ID
	msg.Recipient = dispatch.Sender
	if msg.Recipient == "" {
		msg.Recipient = w.cfg.Coordinator
	}
	if err := w.bus.Publish(ctx, msg); err != nil {
		// The coordinator's dispatch timeout covers the lost reply.
		w.cfg.Logger.Warn("reply not delivered", "worker_id", w.cfg.ID, "dispatch_id", dispatch.ID, "error", err)
	}
}
