package rotation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reel/internal/config"
)

// ErrNoCandidates is returned when a pool has nothing to select.
var ErrNoCandidates = errors.New("rotation: no candidates")

// Mode identifies one of the two independent rotation pools.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeImage Mode = "image"
)

// ParseMode accepts "video" or "image" (case-insensitive). "picture" and
// "static" are accepted as image aliases.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "video":
		return ModeVideo, nil
	case "image", "picture", "static":
		return ModeImage, nil
	default:
		return "", fmt.Errorf("rotation: unknown mode %q (want video or image)", value)
	}
}

// Other returns the opposite mode.
func (m Mode) Other() Mode {
	if m == ModeVideo {
		return ModeImage
	}
	return ModeVideo
}

// Item is the per-file rotation state.
type Item struct {
	Path           string    `json:"path"`
	Weight         float64   `json:"weight"`
	SkipStreak     int       `json:"skip_streak"`
	LastSelectedAt time.Time `json:"last_selected_at,omitzero"`
	ModTime        time.Time `json:"mod_time,omitzero"`
}

// FileInfo is one scanned media file.
type FileInfo struct {
	Path    string
	ModTime time.Time
}

// Params holds the tuning constants shared by the updater and selector.
type Params struct {
	Base                   float64
	SelectPenalty          float64
	Tolerance              float64
	PerturbationRatio      float64
	NormalizationThreshold float64
	NormalizationTarget    float64
	ShufflePeriod          int
	ShuffleIntensity       float64
}

// DefaultParams mirrors the repository configuration defaults.
func DefaultParams() Params {
	return ParamsFromConfig(config.Default().Weight)
}

// ParamsFromConfig copies the [weight] section into Params.
func ParamsFromConfig(w config.Weight) Params {
	return Params{
		Base:                   w.Base,
		SelectPenalty:          w.SelectPenalty,
		Tolerance:              w.Tolerance,
		PerturbationRatio:      w.PerturbationRatio,
		NormalizationThreshold: w.NormalizationThreshold,
		NormalizationTarget:    w.NormalizationTarget,
		ShufflePeriod:          w.ShufflePeriod,
		ShuffleIntensity:       w.ShuffleIntensity,
	}
}

// Rand is the randomness the selector and reshuffle consume.
// *math/rand/v2.Rand satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

func cloneItems(items []Item) []Item {
	return append([]Item(nil), items...)
}
