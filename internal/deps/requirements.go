package deps

import (
	"reel/internal/config"
)

// Requirements lists the external tools the configuration relies on. Encoder
// tools are only required when video optimization is enabled; GPU query tools
// are always optional.
func Requirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	reqs := []Requirement{
		{
			Name:        "mpvpaper",
			Command:     cfg.VideoEngine.Type,
			Description: "Plays video wallpapers",
		},
		{
			Name:        "swww",
			Command:     cfg.ImageEngine.Type,
			Description: "Sets image wallpapers",
		},
		{
			Name:        "swww-daemon",
			Command:     cfg.ImageEngine.Type + "-daemon",
			Description: "Background renderer for swww",
		},
		{
			Name:        "hyprctl",
			Command:     "hyprctl",
			Description: "Reports monitor geometry for automatic target resolution",
			Optional:    true,
		},
	}
	encodeOptional := !cfg.VideoOptimization.Enabled
	reqs = append(reqs,
		Requirement{
			Name:        "FFmpeg",
			Command:     cfg.FFmpegBinary(),
			Description: "Encodes display-sized renditions",
			Optional:    encodeOptional,
		},
		Requirement{
			Name:        "FFprobe",
			Command:     cfg.FFprobeBinary(),
			Description: "Reads source video geometry",
			Optional:    encodeOptional,
		},
		Requirement{
			Name:        "nvidia-smi",
			Command:     "nvidia-smi",
			Description: "Reports NVIDIA video memory for the VRAM guard",
			Optional:    true,
		},
		Requirement{
			Name:        "rocm-smi",
			Command:     "rocm-smi",
			Description: "Reports AMD video memory for the VRAM guard",
			Optional:    true,
		},
	)
	return reqs
}

// Check evaluates Requirements(cfg).
func Check(cfg *config.Config) []Status {
	return CheckBinaries(Requirements(cfg))
}

// MissingRequired filters statuses down to unavailable, non-optional tools.
func MissingRequired(statuses []Status) []Status {
	var missing []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			missing = append(missing, s)
		}
	}
	return missing
}
