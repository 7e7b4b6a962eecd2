// Package engine assembles a coordinator, its workers and their supporting
// stores from configuration, and runs goals through them in-process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ShayCichocki/hive/internal/adapter"
	"github.com/ShayCichocki/hive/internal/belief"
	"github.com/ShayCichocki/hive/internal/bus"
	"github.com/ShayCichocki/hive/internal/config"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/orchestrator"
	"github.com/ShayCichocki/hive/internal/signals"
	"github.com/ShayCichocki/hive/internal/state"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/internal/worker"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Options carries what configuration files cannot.
type Options struct {
	// Root is the project directory holding .hive. Defaults to ".".
	Root string
	// Adapter replaces the configured provider.
	Adapter adapter.Adapter
	// Events receives coordinator progress events.
	Events *orchestrator.EventEmitter
	Logger logging.Logger
	// NoSignals disables the cancel-file watcher.
	NoSignals bool
}

// Engine is one in-process hive: a bus, a coordinator and a worker pool.
type Engine struct {
	cfg    *config.Config
	root   string
	logger logging.Logger

	bus      *bus.Bus
	recorder *trace.Recorder
	files    *trace.FileRepository
	otel     *trace.OTelSink
	db       *state.DB
	coord    *orchestrator.Coordinator
	pool     *worker.Pool
	watcher  *signals.Watcher

	closeBeliefs func() error
	stop         context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// New builds and starts an engine. Workers run until Close.
func New(cfg *config.Config, opts Options) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop{}
	}
	e := &Engine{cfg: cfg, root: opts.Root, logger: opts.Logger, closeBeliefs: func() error { return nil }}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if err := e.openStores(); err != nil {
		return nil, err
	}

	e.bus = bus.New(
		bus.WithMaxPending(cfg.Bus.MaxPending),
		bus.WithDeliveryRetries(cfg.Bus.DeliveryRetries, cfg.Bus.RetryBackoff),
		bus.WithTap(e.recorder),
	)

	a := opts.Adapter
	if a == nil {
		if a, err = NewAdapter(cfg); err != nil {
			return nil, err
		}
	}
	chain, err := NewPolicy(cfg)
	if err != nil {
		return nil, err
	}
	skill, err := SkillByName(cfg.Workers.Skill)
	if err != nil {
		return nil, err
	}
	var beliefs belief.Store
	beliefs, e.closeBeliefs, err = NewBeliefStore(cfg)
	if err != nil {
		return nil, err
	}

	rec := e.recorder
	planner, err := decompose.FromSettings(a, decompose.Settings{
		Strategy: cfg.Planner.Strategy,
		Width:    cfg.Planner.Width,
		Seed:     cfg.Planner.Seed,
		MaxDepth: cfg.Planner.MaxDepth,
		MaxTasks: cfg.Planner.MaxTasks,
	},
		decompose.WithObserver(decompose.ObserverFunc(func(ex decompose.Exchange) {
			rec.Record(ex.RunID, trace.KindPlanExchange, ex)
		})),
		decompose.WithDebugLog(logging.Debugf),
	)
	if err != nil {
		return nil, err
	}

	registry := orchestrator.NewRegistry()
	coordOpts := []orchestrator.Option{
		orchestrator.WithRecorder(rec),
		orchestrator.WithLogger(opts.Logger),
	}
	if e.db != nil {
		coordOpts = append(coordOpts, orchestrator.WithRunStore(e.db))
	}
	if opts.Events != nil {
		coordOpts = append(coordOpts, orchestrator.WithEvents(opts.Events))
	}
	e.coord = orchestrator.New(e.bus, planner, registry, coordOpts...)

	e.pool, err = worker.NewPool(e.bus, cfg.Workers.Count, "worker", worker.Config{
		Coordinator:       e.coord.ID(),
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
		Adapter:           a,
		Policy:            chain,
		Beliefs:           beliefs,
		BeliefTTL:         cfg.Belief.TTL,
		Skill:             skill,
		Observer:          rec,
		Recorder:          rec,
		Logger:            opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	for _, id := range e.pool.IDs() {
		registry.Register(id)
	}

	ctx, stop := context.WithCancel(context.Background())
	e.stop = stop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.pool.Run(ctx); err != nil {
			e.logger.Error("worker pool stopped", "error", err)
		}
	}()

	if !opts.NoSignals {
		if e.watcher, err = signals.NewWatcher(e.root); err != nil {
			return nil, fmt.Errorf("watch cancel signals: %w", err)
		}
		e.wg.Add(1)
		go e.watchCancels(ctx)
	}
	return e, nil
}

func (e *Engine) openStores() error {
	var sinks []trace.Sink

	if e.cfg.State.Path != "" || e.cfg.Trace.SQLite {
		path := e.cfg.State.Path
		if path == "" {
			path = state.ProjectDBPath(e.root)
		}
		db, err := state.Open(path)
		if err != nil {
			return err
		}
		e.db = db
		if err := db.Migrate(); err != nil {
			return err
		}
		if ids, err := db.MarkInterrupted(context.Background()); err != nil {
			e.logger.Warn("mark interrupted runs", "error", err)
		} else if len(ids) > 0 {
			e.logger.Warn("runs interrupted by an earlier process", "run_ids", ids)
		}
		if e.cfg.Trace.SQLite {
			sinks = append(sinks, db)
		}
	}
	if dir := e.cfg.Trace.Dir; dir != "" {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(e.root, dir)
		}
		e.files = trace.NewFileRepository(dir)
		sinks = append(sinks, e.files)
	}
	if e.cfg.Trace.OTel {
		e.otel = trace.NewOTelSink()
		sinks = append(sinks, e.otel)
	}
	e.recorder = trace.NewRecorder(sinks...)
	return nil
}

// watchCancels cancels runs named by signal files. Requests for runs this
// engine does not own are left for their owner.
func (e *Engine) watchCancels(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.watcher.C():
			err := e.coord.Cancel(orchestrator.RunHandle{ID: id})
			if errors.Is(err, orchestrator.ErrUnknownRun) {
				continue
			}
			if err != nil {
				e.logger.Warn("cancel from signal failed", "run_id", id, "error", err)
				continue
			}
			e.logger.Info("run cancelled by signal", "run_id", id)
			if err := e.watcher.Clear(id); err != nil {
				e.logger.Warn("clear cancel signal", "run_id", id, "error", err)
			}
		}
	}
}

// Submit starts a run for goal with the configured RunConfig.
func (e *Engine) Submit(ctx context.Context, goal models.Goal) (orchestrator.RunHandle, error) {
	return e.coord.Submit(ctx, goal, e.cfg.Run)
}

// Result is the outcome of a finished run.
type Result struct {
	State       models.RunState
	Aggregation models.Aggregation
	// Err is the run's error: orchestrator.ErrRunCancelled, a planning
	// failure or invalid configuration.
	Err error
}

// Wait blocks until the run finishes. The returned error is only for
// ctx expiry or an unknown handle; run failures are in Result.Err.
func (e *Engine) Wait(ctx context.Context, h orchestrator.RunHandle) (Result, error) {
	agg, runErr := e.coord.Wait(ctx, h)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if errors.Is(runErr, orchestrator.ErrUnknownRun) {
		return Result{}, runErr
	}
	st, err := e.coord.Status(h)
	if err != nil {
		return Result{}, err
	}
	return Result{State: st, Aggregation: agg, Err: runErr}, nil
}

// Run submits goal and waits for it.
func (e *Engine) Run(ctx context.Context, goal models.Goal) (Result, error) {
	h, err := e.Submit(ctx, goal)
	if err != nil {
		return Result{}, err
	}
	return e.Wait(ctx, h)
}

// Cancel cancels a run owned by this engine.
func (e *Engine) Cancel(id string) error {
	return e.coord.Cancel(orchestrator.RunHandle{ID: id})
}

// Coordinator returns the engine's coordinator.
func (e *Engine) Coordinator() *orchestrator.Coordinator { return e.coord }

// Traces returns the file trace repository, or nil when file traces are off.
func (e *Engine) Traces() *trace.FileRepository { return e.files }

// State returns the state database, or nil when persistence is off.
func (e *Engine) State() *state.DB { return e.db }

// TraceErr reports the first trace sink failure.
func (e *Engine) TraceErr() error { return e.recorder.Err() }

// Close stops the workers and releases every store. Runs still in progress
// are abandoned.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		if e.stop != nil {
			e.stop()
		}
		if e.watcher != nil {
			e.watcher.Close()
		}
		e.wg.Wait()
		if e.coord != nil {
			e.coord.Close()
		}
		if e.bus != nil {
			e.bus.Close()
		}
		if e.otel != nil {
			e.otel.Close()
		}
		errs = append(errs, e.closeBeliefs())
		if e.db != nil {
			errs = append(errs, e.db.Close())
		}
	})
	return errors.Join(errs...)
}
