package config

const (
	defaultConfigPath = "~/.config/reel/config.toml"

	defaultVideoDir = "~/Videos/background"
	defaultImageDir = "~/Pictures/wallpapers"
	defaultStateDir = "~/.local/share/reel"
	defaultLogDir   = "~/.local/share/reel/logs"

	defaultVideoEngine        = "mpvpaper"
	defaultVideoInterval      = 600
	defaultMpvpaperOptions    = "--loop --no-audio --hwdec=auto"
	defaultImageEngine        = "swww"
	defaultImageInterval      = 300
	defaultTransition         = "fade"
	defaultTransitionDuration = 2.0
	defaultTransitionFPS      = 60
	defaultTransitionStep     = 20
	defaultFill               = "fill"

	defaultWeightBase             = 100.0
	defaultSelectPenalty          = 10.0
	defaultTolerance              = 5.0
	defaultPerturbationRatio      = 0.03
	defaultNormalizationThreshold = 500.0
	defaultNormalizationTarget    = 100.0
	defaultShufflePeriod          = 100
	defaultShuffleIntensity       = 0.1

	defaultMaxCacheSizeMB        = 10240
	defaultTargetResolution      = "auto"
	defaultTargetFPS             = 30
	defaultPreloadCount          = 3
	defaultPreloadInterval       = 30
	defaultEncodeStartsPerMinute = 6
	defaultEncoder               = "auto"
	defaultCRF                   = 23
	defaultPreset                = "fast"

	defaultVRAMLowFreePercent      = 10.0
	defaultVRAMRecoveryFreePercent = 30.0
	defaultVRAMCheckInterval       = 30

	defaultNtfyRequestTimeout = 10

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			VideoDir: defaultVideoDir,
			ImageDir: defaultImageDir,
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		VideoEngine: VideoEngine{
			Type:     defaultVideoEngine,
			Interval: defaultVideoInterval,
			Options:  defaultMpvpaperOptions,
		},
		ImageEngine: ImageEngine{
			Type:               defaultImageEngine,
			Interval:           defaultImageInterval,
			Transition:         defaultTransition,
			TransitionDuration: defaultTransitionDuration,
			TransitionFPS:      defaultTransitionFPS,
			TransitionStep:     defaultTransitionStep,
			Fill:               defaultFill,
		},
		Weight: Weight{
			Base:                   defaultWeightBase,
			SelectPenalty:          defaultSelectPenalty,
			Tolerance:              defaultTolerance,
			PerturbationRatio:      defaultPerturbationRatio,
			NormalizationThreshold: defaultNormalizationThreshold,
			NormalizationTarget:    defaultNormalizationTarget,
			ShufflePeriod:          defaultShufflePeriod,
			ShuffleIntensity:       defaultShuffleIntensity,
		},
		VideoOptimization: VideoOptimization{
			Enabled:               true,
			CacheDir:              defaultCacheDir(),
			MaxCacheSizeMB:        defaultMaxCacheSizeMB,
			TargetResolution:      defaultTargetResolution,
			TargetFPS:             defaultTargetFPS,
			PreloadCount:          defaultPreloadCount,
			PreloadInterval:       defaultPreloadInterval,
			EncodeStartsPerMinute: defaultEncodeStartsPerMinute,
			Encoder:               defaultEncoder,
			CRF:                   defaultCRF,
			Preset:                defaultPreset,
		},
		VRAM: VRAM{
			LowFreePercent:      defaultVRAMLowFreePercent,
			RecoveryFreePercent: defaultVRAMRecoveryFreePercent,
			CheckInterval:       defaultVRAMCheckInterval,
		},
		Hotplug: Hotplug{
			Enabled: true,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
