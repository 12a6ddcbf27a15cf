package hardware

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// VRAMInfo is a point-in-time video memory reading.
type VRAMInfo struct {
	UsedMB  uint64 `json:"used_mb"`
	TotalMB uint64 `json:"total_mb"`
}

// FreePercent returns the share of video memory not in use.
func (v VRAMInfo) FreePercent() float64 {
	if v.TotalMB == 0 {
		return 0
	}
	used := min(v.UsedMB, v.TotalMB)
	return 100 * float64(v.TotalMB-used) / float64(v.TotalMB)
}

// ParseNvidiaSMI reads the first GPU line of
// `nvidia-smi --query-gpu=memory.used,memory.total --format=csv,noheader,nounits`.
func ParseNvidiaSMI(output string) (VRAMInfo, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	used, total, ok := strings.Cut(line, ",")
	if !ok {
		return VRAMInfo{}, fmt.Errorf("%w: unexpected nvidia-smi output %q", ErrProbeFailed, line)
	}
	u, err := strconv.ParseUint(strings.TrimSpace(used), 10, 64)
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("%w: nvidia-smi used: %v", ErrProbeFailed, err)
	}
	t, err := strconv.ParseUint(strings.TrimSpace(total), 10, 64)
	if err != nil || t == 0 {
		return VRAMInfo{}, fmt.Errorf("%w: nvidia-smi total %q", ErrProbeFailed, total)
	}
	return VRAMInfo{UsedMB: u, TotalMB: t}, nil
}

// ParseROCmSMI extracts used and total memory from `rocm-smi --showmeminfo vram`.
// Values are reported in bytes by current releases; lines mentioning GB or MB
// are scaled accordingly.
func ParseROCmSMI(output string) (VRAMInfo, error) {
	var used, total uint64
	var haveUsed, haveTotal bool
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		value, ok := lastNumber(line)
		if !ok {
			continue
		}
		mb := toMB(value, lower)
		switch {
		case strings.Contains(lower, "used"):
			used, haveUsed = mb, true
		case strings.Contains(lower, "total"):
			total, haveTotal = mb, true
		}
	}
	if !haveUsed || !haveTotal || total == 0 {
		return VRAMInfo{}, fmt.Errorf("%w: rocm-smi output lacks used/total memory", ErrProbeFailed)
	}
	return VRAMInfo{UsedMB: used, TotalMB: total}, nil
}

func lastNumber(line string) (uint64, bool) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return !unicode.IsDigit(r) })
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[len(fields)-1], 10, 64)
	return v, err == nil
}

func toMB(value uint64, lowerLine string) uint64 {
	switch {
	case strings.Contains(lowerLine, "gb"):
		return value * 1024
	case strings.Contains(lowerLine, "mb"):
		return value
	case strings.Contains(lowerLine, "(b)") || value > 1<<24:
		return value / (1024 * 1024)
	default:
		return value
	}
}
