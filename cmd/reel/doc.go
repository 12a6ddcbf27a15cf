// Command reel is the CLI for the wallpaper rotation daemon.
//
// `reel daemon` runs the daemon in the foreground; `reel start` and
// `reel stop` manage a background one. Control commands talk to a running
// daemon over its Unix socket. When no daemon answers, they open the state
// directory directly, do their work and exit, so `reel next` from a
// keybinding works without a background process.
package main
