package rotation

import "math"

// Updater applies the conserved weight update, renormalization, and reshuffle.
type Updater struct {
	Params Params
}

// Apply charges the selected item the select penalty and shares it among the
// rest. The charge is capped at the selected weight so no weight goes negative
// and the total is conserved. Returns false and leaves the slice untouched
// when there is nothing to redistribute to.
func (u Updater) Apply(items []Item, selected int) bool {
	n := len(items)
	if n <= 1 || selected < 0 || selected >= n {
		return false
	}
	charge := math.Max(0, math.Min(u.Params.SelectPenalty, items[selected].Weight))
	reward := charge / float64(n-1)
	for i := range items {
		if i == selected {
			items[i].Weight -= charge
			items[i].SkipStreak = 0
			continue
		}
		items[i].Weight += reward
		items[i].SkipStreak++
	}
	return true
}

// Normalize rescales every weight to NormalizationTarget once the mean exceeds
// NormalizationThreshold. It returns the factor applied (1 when untouched).
func (u Updater) Normalize(items []Item) float64 {
	if len(items) == 0 {
		return 1
	}
	mean := meanWeight(items)
	if mean <= u.Params.NormalizationThreshold || mean == 0 {
		return 1
	}
	factor := u.Params.NormalizationTarget / mean
	for i := range items {
		items[i].Weight *= factor
	}
	return factor
}

// ShuffleDue reports whether generation falls on a reshuffle boundary.
func (u Updater) ShuffleDue(generation uint64) bool {
	period := u.Params.ShufflePeriod
	return period > 0 && generation > 0 && generation%uint64(period) == 0
}

// ShuffleCount is the number of items one reshuffle resets for a pool of n.
func (u Updater) ShuffleCount(n int) int {
	if n <= 0 || u.Params.ShuffleIntensity <= 0 {
		return 0
	}
	count := int(math.Round(u.Params.ShuffleIntensity * float64(n)))
	return min(max(count, 0), n)
}

// Reshuffle resets ShuffleCount distinct items, chosen uniformly, to
// Base*(1+e) with e drawn from [-0.2, 0.2], clearing their skip streaks. It
// returns the indices touched.
func (u Updater) Reshuffle(items []Item, rng Rand) []int {
	count := u.ShuffleCount(len(items))
	if count == 0 {
		return nil
	}
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	// Partial Fisher-Yates: the first count slots end up uniformly sampled.
	for i := 0; i < count; i++ {
		j := i + rng.IntN(len(order)-i)
		order[i], order[j] = order[j], order[i]
	}
	touched := order[:count]
	for _, idx := range touched {
		offset := (rng.Float64()*2 - 1) * 0.2
		items[idx].Weight = u.Params.Base * (1 + offset)
		items[idx].SkipStreak = 0
	}
	return append([]int(nil), touched...)
}

func meanWeight(items []Item) float64 {
	if len(items) == 0 {
		return 0
	}
	return sumWeight(items) / float64(len(items))
}

func sumWeight(items []Item) float64 {
	var total float64
	for _, item := range items {
		total += item.Weight
	}
	return total
}
