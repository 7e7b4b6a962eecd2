package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

type workerEntry struct {
	info models.WorkerInfo
	// dispatches maps dispatch ID to run ID.
	dispatches map[string]string
}

// Registry tracks worker liveness and which dispatches each worker holds.
// It is shared by every run of a coordinator and safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	now      func() time.Time
	workers  map[string]*workerEntry
	assigned map[string]string // dispatch ID -> worker ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		now:      time.Now,
		workers:  make(map[string]*workerEntry),
		assigned: make(map[string]string),
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds a worker as idle and seen now.
func (r *Registry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; ok {
		return
	}
	r.workers[id] = &workerEntry{
		info:       models.WorkerInfo{ID: id, Status: models.WorkerStatusIdle, LastSeen: r.now()},
		dispatches: make(map[string]string),
	}
}

// Unregister removes a worker. Its dispatches are forgotten.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		for did := range w.dispatches {
			delete(r.assigned, did)
		}
		delete(r.workers, id)
	}
}

// Heartbeat marks a worker alive. Unknown workers are registered and lost
// workers come back.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		w = &workerEntry{info: models.WorkerInfo{ID: id}, dispatches: make(map[string]string)}
		r.workers[id] = w
	}
	w.info.LastSeen = r.now()
	r.refresh(w)
}

func (r *Registry) refresh(w *workerEntry) {
	if len(w.dispatches) > 0 {
		w.info.Status = models.WorkerStatusBusy
	} else {
		w.info.Status = models.WorkerStatusIdle
		w.info.DispatchID = ""
	}
}

// Pick returns the live worker holding the fewest dispatches, lowest ID first.
func (r *Registry) Pick() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best, load := "", -1
	for id, w := range r.workers {
		if w.info.Status == models.WorkerStatusLost {
			continue
		}
		n := len(w.dispatches)
		if load < 0 || n < load || (n == load && id < best) {
			best, load = id, n
		}
	}
	return best, load >= 0
}

// Assign records that workerID holds dispatchID for runID.
func (r *Registry) Assign(workerID, runID, dispatchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.dispatches[dispatchID] = runID
	w.info.DispatchID = dispatchID
	r.assigned[dispatchID] = workerID
	r.refresh(w)
}

// Release forgets a dispatch. answered counts it as completed by the worker.
// A reply also proves the worker is alive.
func (r *Registry) Release(dispatchID string, answered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wid, ok := r.assigned[dispatchID]
	if !ok {
		return
	}
	delete(r.assigned, dispatchID)
	w := r.workers[wid]
	delete(w.dispatches, dispatchID)
	if answered {
		w.info.Completed++
		w.info.LastSeen = r.now()
	}
	if w.info.Status != models.WorkerStatusLost {
		r.refresh(w)
	}
}

// Lost marks workers silent for longer than timeout as lost and returns,
// per lost worker, the dispatches of runID it held. Those dispatches are released.
func (r *Registry) Lost(runID string, timeout time.Duration) map[string][]string {
	if timeout <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out map[string][]string
	for id, w := range r.workers {
		if now.Sub(w.info.LastSeen) <= timeout {
			continue
		}
		if w.info.Status != models.WorkerStatusLost {
			w.info.Status = models.WorkerStatusLost
			debugLog("[registry] worker %s lost (last seen %s)", id, w.info.LastSeen.Format(time.RFC3339))
		}
		var dids []string
		for did, rid := range w.dispatches {
			if rid == runID {
				dids = append(dids, did)
			}
		}
		if len(dids) == 0 {
			continue
		}
		sort.Strings(dids)
		for _, did := range dids {
			delete(w.dispatches, did)
			delete(r.assigned, did)
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[id] = dids
	}
	return out
}

// Workers returns every worker sorted by ID.
func (r *Registry) Workers() []models.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}
