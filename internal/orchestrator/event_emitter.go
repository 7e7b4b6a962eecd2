package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"
)

// emitGrace is how long Emit waits for room in a full buffer.
const emitGrace = 100 * time.Millisecond

// EventEmitter fans coordinator events into one buffered channel for a
// display. A slow reader loses events; the run never waits on it for more
// than emitGrace.
type EventEmitter struct {
	ch      chan Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewEventEmitter(buffer int) *EventEmitter {
	return &EventEmitter{ch: make(chan Event, buffer)}
}

// Emit delivers ev or drops it after emitGrace. A nil or closed emitter
// discards everything.
func (e *EventEmitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.ch <- ev:
		return
	default:
	}
	t := time.NewTimer(emitGrace)
	defer t.Stop()
	select {
	case e.ch <- ev:
	case <-t.C:
		if n := e.dropped.Add(1); n%10 == 1 {
			debugLog("[events] reader is behind, dropped %s (%d so far)", ev.Type, n)
		}
	}
}

// DroppedCount reports how many events Emit has discarded.
func (e *EventEmitter) DroppedCount() uint64 { return e.dropped.Load() }

// Events is closed by Close.
func (e *EventEmitter) Events() <-chan Event { return e.ch }

func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
