package decompose

import (
	"math/rand"
	"sort"
)

// Strategy chooses which partial decompositions survive an expansion step.
type Strategy interface {
	Name() string
	// Select returns the survivors, best first. It must consume rng the same
	// way for the same input so that plans are reproducible.
	Select(cands []partial, rng *rand.Rand) []partial
}

// rank sorts by score, then a seeded permutation, then signature.
func rank(cands []partial, rng *rand.Rand) []partial {
	keys := rng.Perm(len(cands))
	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := cands[idx[a]], cands[idx[b]]
		if ca.score != cb.score {
			return ca.score > cb.score
		}
		if keys[idx[a]] != keys[idx[b]] {
			return keys[idx[a]] < keys[idx[b]]
		}
		return ca.sig < cb.sig
	})
	out := make([]partial, len(cands))
	for i, j := range idx {
		out[i] = cands[j]
	}
	return out
}

type beam struct {
	width int
}

// Beam keeps the top width partial decompositions at each step.
func Beam(width int) Strategy {
	if width < 1 {
		width = 1
	}
	return beam{width: width}
}

func (b beam) Name() string { return "beam" }

func (b beam) Select(cands []partial, rng *rand.Rand) []partial {
	ranked := rank(cands, rng)
	if len(ranked) > b.width {
		ranked = ranked[:b.width]
	}
	return ranked
}

type greedy struct{}

// Greedy commits to the single best alternative at each step.
func Greedy() Strategy { return greedy{} }

func (greedy) Name() string { return "greedy" }

func (greedy) Select(cands []partial, rng *rand.Rand) []partial {
	ranked := rank(cands, rng)
	if len(ranked) > 1 {
		ranked = ranked[:1]
	}
	return ranked
}

// StrategyByName returns the strategy for a config value.
func StrategyByName(name string, width int) (Strategy, bool) {
	switch name {
	case "", "beam":
		return Beam(width), true
	case "greedy":
		return Greedy(), true
	}
	return nil, false
}
