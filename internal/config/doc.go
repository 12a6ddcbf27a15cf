// Package config loads, normalizes, and validates reel configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files from ~/.config/reel/config.toml or a
// reel.toml in the working directory. The Config type centralizes every knob
// the daemon and CLI need: media directories, display adapters, rotation
// weights, rendition cache sizing, and the VRAM guard.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
