package rendition

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"reel/internal/media/ffprobe"
	"reel/internal/transcode"
)

const (
	hashPrefixBytes = 1 << 20
	maxStemLength   = 64
	fpsTolerance    = 0.01
)

// Key identifies one rendition of a source.
type Key struct {
	Source  string `json:"source"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	FPS     int    `json:"fps"`
	Encoder string `json:"encoder"`
}

// KeyFor derives the cache key for encoding source with p.
func KeyFor(source string, p transcode.Params) Key {
	return Key{Source: source, Width: p.Width, Height: p.Height, FPS: p.FPS, Encoder: p.Encoder}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%dx%d/%dfps/%s", k.Source, k.Width, k.Height, k.FPS, k.Encoder)
}

// Entry is a cache-resident rendition.
type Entry struct {
	Key
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size_bytes"`
	LastUsed    time.Time `json:"last_used"`
	InsertedSeq int64     `json:"inserted_seq"`
}

// NeedsEncode reports whether a source with geometry g exceeds the target in
// any dimension or in frame rate. Renditions are never upscaled.
func NeedsEncode(g ffprobe.Geometry, p transcode.Params) bool {
	if p.Width > 0 && g.Width > p.Width {
		return true
	}
	if p.Height > 0 && g.Height > p.Height {
		return true
	}
	return p.FPS > 0 && g.FPS > float64(p.FPS)+fpsTolerance
}

// FileName returns the rendition file name for source encoded with p:
// "{stem}_{W}x{H}@{fps}fps_{hash8}.mp4".
func FileName(source string, p transcode.Params, hash string) string {
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("%s_%dx%d@%dfps_%s.mp4", normalizeStem(source), p.Width, p.Height, p.FPS, hash)
}

// SourceHash returns the hex sha256 of the first MiB of path.
func SourceHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("rendition: open source: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, hashPrefixBytes); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("rendition: hash source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeStem folds the source base name to a filesystem-safe ASCII stem.
func normalizeStem(source string) string {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), stem)
	if err != nil {
		folded = stem
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_-.")
	if len(out) > maxStemLength {
		out = strings.TrimRight(out[:maxStemLength], "_-.")
	}
	if out == "" {
		return "video"
	}
	return out
}
