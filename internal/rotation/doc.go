// Package rotation implements the weighted wallpaper rotation engine.
//
// Every item in a pool carries a weight. Selecting an item subtracts a fixed
// penalty from it and shares that penalty evenly among the others, so the
// pool total is conserved and an item that keeps getting skipped climbs until
// it wins. The Selector adds a small proportional perturbation before picking
// the median of the near-maximum band, which keeps the order from settling
// into a fixed cycle. Periodic renormalization bounds the numbers and a
// partial reshuffle every ShufflePeriod rounds breaks long-lived gradients.
//
// Engine wraps those pieces with a mutex, a persisted snapshot, and the
// merge-on-rescan rule used when the media directory changes. The package
// never touches the filesystem beyond its snapshot; directory walking lives in
// the scan package and encode decisions in rendition and preload.
package rotation
