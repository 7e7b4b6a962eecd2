package adapter

import (
	"sync"

	"github.com/ShayCichocki/hive/pkg/models"
)

// Price is a per-million-token rate in USD.
type Price struct {
	Input  float64
	Output float64
}

// SonnetPrice is the list rate used when a provider does not set one.
var SonnetPrice = Price{Input: 3, Output: 15}

// TokenTracker totals usage across every call an adapter makes. It is safe
// for concurrent use by workers sharing the adapter.
type TokenTracker struct {
	mu    sync.Mutex
	total models.TokenUsage
	calls int
}

func NewTokenTracker() *TokenTracker { return &TokenTracker{} }

// Record adds the usage of one call.
func (t *TokenTracker) Record(u models.TokenUsage) {
	t.mu.Lock()
	t.total.Add(u)
	t.calls++
	t.mu.Unlock()
}

func (t *TokenTracker) Usage() models.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *TokenTracker) Reset() {
	t.mu.Lock()
	t.total, t.calls = models.TokenUsage{}, 0
	t.mu.Unlock()
}

// Cost estimates spend so far at p.
func (t *TokenTracker) Cost(p Price) float64 {
	u := t.Usage()
	return (float64(u.InputTokens)*p.Input + float64(u.OutputTokens)*p.Output) / 1e6
}
