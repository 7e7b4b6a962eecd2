// Package orchestrator coordinates runs: it plans a goal into a task graph,
// dispatches tasks to workers over the bus, and aggregates their results.
//
// Each run is driven by one event-loop goroutine that owns a Machine. The
// Machine holds every scheduling decision (eligibility, admission control,
// retries with backoff, failure cascades, cancellation) and performs no I/O,
// so a recorded sequence of its inputs reproduces the run exactly.
//
// Example usage:
//
//	c := orchestrator.New(b, planner, registry)
//	h, err := c.Submit(ctx, models.Goal{Text: "write a report"}, models.DefaultRunConfig())
//	agg, err := c.Wait(ctx, h)
package orchestrator
