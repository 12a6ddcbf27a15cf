package rotation

import "sort"

// Selector picks the next item from a pool.
type Selector struct {
	Tolerance         float64
	PerturbationRatio float64
}

// NewSelector builds a selector from Params.
func NewSelector(p Params) Selector {
	return Selector{Tolerance: p.Tolerance, PerturbationRatio: p.PerturbationRatio}
}

// Select perturbs every weight by w*ratio*U(-1,1), orders the pool by the
// perturbed value, collects the band within Tolerance of the maximum, and
// returns the original index of the band's median element. A single-item pool
// returns 0 without consuming randomness.
func (s Selector) Select(items []Item, rng Rand) (int, error) {
	switch len(items) {
	case 0:
		return 0, ErrNoCandidates
	case 1:
		return 0, nil
	}

	perturbed := make([]float64, len(items))
	order := make([]int, len(items))
	for i, item := range items {
		noise := rng.Float64()*2 - 1
		perturbed[i] = item.Weight + item.Weight*s.PerturbationRatio*noise
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return perturbed[order[a]] > perturbed[order[b]]
	})

	top := perturbed[order[0]]
	band := 1
	for band < len(order) && top-perturbed[order[band]] <= s.Tolerance {
		band++
	}
	return order[band/2], nil
}
