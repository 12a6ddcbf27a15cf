// Package hardware probes the local machine for the parameters the rendition
// cache needs: which H.264 encoder ffmpeg offers, the smallest connected
// monitor, and how much video memory is free.
//
// Probe results are cached until Refresh; the daemon refreshes on display
// hotplug events. VRAM readings are never cached.
package hardware
