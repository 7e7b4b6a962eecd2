// Package tui provides the read-only progress display for hive run --tui.
//
// The display follows coordinator events for one run and shows:
//   - The run phase and task completion progress
//   - Each task with its status, worker and attempt
//   - Workers currently holding a dispatch
//   - Activity log with recent events
//
// Usage:
//
//	events := orchestrator.NewEventEmitter(256)
//	program, app := tui.NewRunProgram(runID, goal, events.Events())
//	go program.Run()
//
//	// Signal completion with the final state
//	program.Send(tui.RunDoneMsg{State: st})
//
// Pressing q or Ctrl+C calls the handler set with SetCancelHandler and quits.
package tui
