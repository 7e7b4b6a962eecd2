package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ShayCichocki/hive/internal/config"
	"github.com/ShayCichocki/hive/internal/engine"
	"github.com/ShayCichocki/hive/internal/orchestrator"
	"github.com/ShayCichocki/hive/internal/tui"
	"github.com/ShayCichocki/hive/pkg/models"
)

var (
	runID           string
	runTUI          bool
	runJSON         bool
	runProvider     string
	runModel        string
	runWorkers      int
	runConcurrency  int
	runRetries      int
	runMaxSteps     int
	runDispatchTO   time.Duration
	runBackoffBase  time.Duration
	runBackoffMax   time.Duration
	runHeartbeatTO  time.Duration
	runCancelMode   string
	runPlannerSeed  int64
	runPlannerStrat string
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Plan a goal and run its tasks",
	Long: `Decompose the goal into a task graph and run it on the worker pool.

The run is traced to .hive/traces/<run-id>.jsonl and the state database,
and can be cancelled from another terminal with 'hive cancel <run-id>'.

Examples:
  hive run "Write a changelog entry for the parser fixes"
  hive run --provider echo "draft; review; publish"
  hive run --tui --concurrency 8 "Summarise every open incident"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runID, "id", "", "Run ID (default: a new UUID)")
	f.BoolVar(&runTUI, "tui", false, "Show the progress view")
	f.BoolVar(&runJSON, "json", false, "Print the final run state as JSON")
	f.StringVar(&runProvider, "provider", "", "Model provider (anthropic, openai, echo)")
	f.StringVar(&runModel, "model", "", "Model name")
	f.IntVar(&runWorkers, "workers", 0, "Worker pool size")
	f.IntVar(&runConcurrency, "concurrency", 0, "Max tasks in flight")
	f.IntVar(&runRetries, "retries", 0, "Retries per task after the first attempt")
	f.IntVar(&runMaxSteps, "max-steps", 0, "Agent steps per task attempt")
	f.DurationVar(&runDispatchTO, "dispatch-timeout", 0, "Time a worker has to answer a dispatch")
	f.DurationVar(&runBackoffBase, "backoff-base", 0, "First retry backoff")
	f.DurationVar(&runBackoffMax, "backoff-max", 0, "Retry backoff ceiling")
	f.DurationVar(&runHeartbeatTO, "heartbeat-timeout", 0, "Silence after which a worker is lost (0 disables)")
	f.StringVar(&runCancelMode, "cancel-mode", "", "abandon or drain")
	f.Int64Var(&runPlannerSeed, "seed", 0, "Planner seed")
	f.StringVar(&runPlannerStrat, "strategy", "", "Planner strategy (beam, greedy)")
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(flags *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("provider", func() { cfg.Adapter.Provider = runProvider })
	set("model", func() { cfg.Adapter.Model = runModel })
	set("workers", func() { cfg.Workers.Count = runWorkers })
	set("concurrency", func() { cfg.Run.MaxConcurrency = runConcurrency })
	set("retries", func() { cfg.Run.MaxRetries = runRetries })
	set("max-steps", func() { cfg.Run.MaxStepsPerTask = runMaxSteps })
	set("dispatch-timeout", func() { cfg.Run.DispatchTimeout = runDispatchTO })
	set("backoff-base", func() { cfg.Run.BackoffBase = runBackoffBase })
	set("backoff-max", func() { cfg.Run.BackoffMax = runBackoffMax })
	set("heartbeat-timeout", func() { cfg.Run.HeartbeatTimeout = runHeartbeatTO })
	set("cancel-mode", func() { cfg.Run.CancelMode = models.CancelMode(runCancelMode) })
	set("seed", func() { cfg.Planner.Seed = runPlannerSeed })
	set("strategy", func() { cfg.Planner.Strategy = runPlannerStrat })
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd.Flags(), cfg)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	id := runID
	if id == "" {
		id = uuid.NewString()
	}
	goal := models.Goal{ID: id, Text: strings.Join(args, " ")}

	opts := engine.Options{Root: cwd, Logger: newLogger()}
	var events *orchestrator.EventEmitter
	if runTUI {
		events = orchestrator.NewEventEmitter(256)
		opts.Events = events
		// Logs would tear the alt screen.
		opts.Logger = nil
	}
	e, err := engine.New(cfg, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := e.Submit(ctx, goal)
	if err != nil {
		return err
	}

	var res engine.Result
	if runTUI {
		res, err = runWithTUI(ctx, e, h, goal, events, cfg.TUI.RefreshRate)
	} else {
		fmt.Printf("%s run %s\n", color.CyanString("▶"), h.ID)
		res, err = waitOrCancel(ctx, e, h)
	}
	if err != nil {
		return err
	}
	if err := e.TraceErr(); err != nil {
		printStatus("⚠", fmt.Sprintf("trace incomplete: %v", err), color.FgYellow)
	}
	return report(res)
}

// waitOrCancel waits for the run; an interrupt cancels it and waits for
// the cancelled state.
func waitOrCancel(ctx context.Context, e *engine.Engine, h orchestrator.RunHandle) (engine.Result, error) {
	res, err := e.Wait(ctx, h)
	if err == nil || ctx.Err() == nil {
		return res, err
	}
	printStatus("■", "interrupted, cancelling run", color.FgYellow)
	if err := e.Cancel(h.ID); err != nil {
		return engine.Result{}, err
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.Wait(waitCtx, h)
}

func runWithTUI(ctx context.Context, e *engine.Engine, h orchestrator.RunHandle, goal models.Goal, events *orchestrator.EventEmitter, refresh time.Duration) (engine.Result, error) {
	program, app := tui.NewRunProgram(h.ID, goal.Text, events.Events())
	app.SetRefreshRate(refresh)
	app.SetCancelHandler(func() { e.Cancel(h.ID) })

	done := make(chan struct{})
	var (
		res engine.Result
		err error
	)
	go func() {
		defer close(done)
		res, err = waitOrCancel(ctx, e, h)
		program.Send(tui.RunDoneMsg{State: res.State, Err: err})
	}()

	if _, perr := program.Run(); perr != nil {
		e.Cancel(h.ID)
		<-done
		return res, fmt.Errorf("progress view: %w", perr)
	}
	<-done
	return res, err
}

func report(res engine.Result) error {
	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.State)
	}
	fmt.Println()
	printRunState(res.State)
	printAggregation(res.Aggregation)
	fmt.Println()

	switch {
	case res.Err == nil && res.State.Phase == models.RunPhaseCompleted:
		printStatus("✓", "run completed", color.FgGreen)
		return nil
	case errors.Is(res.Err, orchestrator.ErrRunCancelled):
		printStatus("■", "run cancelled", color.FgYellow)
		return res.Err
	default:
		reason := res.State.Error
		if reason == "" && res.Err != nil {
			reason = res.Err.Error()
		}
		printStatus("✗", "run failed: "+reason, color.FgRed)
		return fmt.Errorf("run %s failed", res.State.RunID)
	}
}
