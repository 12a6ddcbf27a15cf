// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Inspect runs ffprobe and returns a Result; VideoGeometry reduces it to the
// width, height, and frame rate the rendition cache compares against display
// targets. ParseRate understands ffprobe's rational frame-rate strings.
package ffprobe
