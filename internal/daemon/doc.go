// Package daemon coordinates the long-running reel process.
//
// It owns the two rotation pools, the display adapters, the rendition cache
// and the preload queue, and ties them into one lifecycle guarded by a flock
// so only one instance drives the desktop. The rotation loop advances the
// active pool on its mode interval; manual requests (next, mode switches,
// rescans) arrive through the same methods and restart the interval.
//
// Keep orchestration here. Selection math lives in rotation, encode policy in
// rendition and preload, and process handling in display.
package daemon
