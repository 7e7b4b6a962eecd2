package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/hive/internal/bus"
)

// Pool runs a fixed set of workers sharing one configuration.
type Pool struct {
	workers []*Worker
}

// NewPool creates n workers named "<prefix>-1" .. "<prefix>-n".
func NewPool(b *bus.Bus, n int, prefix string, cfg Config) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("worker pool needs at least one worker, got %d", n)
	}
	if prefix == "" {
		prefix = "worker"
	}
	p := &Pool{}
	for i := 1; i <= n; i++ {
		c := cfg
		c.ID = fmt.Sprintf("%s-%d", prefix, i)
		w, err := New(b, c)
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// IDs returns the worker names.
func (p *Pool) IDs() []string {
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.ID()
	}
	return ids
}

// Run runs every worker until ctx is done. Cancellation and a closed bus are
// normal shutdowns and return nil.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			err := w.Run(gctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
