package hardware

import (
	"encoding/json"
	"fmt"
)

type monitor struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ParseMonitors picks the monitor with the fewest pixels from `hyprctl
// monitors -j` output.
func ParseMonitors(data []byte) (int, int, error) {
	var monitors []monitor
	if err := json.Unmarshal(data, &monitors); err != nil {
		return 0, 0, fmt.Errorf("%w: decode monitors: %v", ErrProbeFailed, err)
	}
	best := -1
	for i, m := range monitors {
		if m.Width <= 0 || m.Height <= 0 {
			continue
		}
		if best < 0 || m.Width*m.Height < monitors[best].Width*monitors[best].Height {
			best = i
		}
	}
	if best < 0 {
		return 0, 0, fmt.Errorf("%w: no monitors reported", ErrProbeFailed)
	}
	return monitors[best].Width, monitors[best].Height, nil
}
