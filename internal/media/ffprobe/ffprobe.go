package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoVideoStream is returned by VideoGeometry when the container has no video stream.
var ErrNoVideoStream = errors.New("ffprobe: no video stream")

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	PixFmt       string `json:"pix_fmt"`
	Disposition  struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// Geometry is the shape of the primary video stream.
type Geometry struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
	Codec  string  `json:"codec"`
}

// Inspect executes ffprobe against the provided path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("ffprobe inspect: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Result{}, fmt.Errorf("ffprobe inspect: %w", err)
	}
	return Parse(output)
}

// Prober inspects files with an ffprobe binary.
type Prober struct {
	Binary string
}

// Geometry returns the primary video stream geometry of path.
func (p Prober) Geometry(ctx context.Context, path string) (Geometry, error) {
	result, err := Inspect(ctx, p.Binary, path)
	if err != nil {
		return Geometry{}, err
	}
	return result.VideoGeometry()
}

// Parse decodes ffprobe JSON output.
func Parse(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// VideoStreamCount returns the number of video streams discovered.
func (r Result) VideoStreamCount() int {
	count := 0
	for _, stream := range r.Streams {
		if isVideo(stream) {
			count++
		}
	}
	return count
}

// VideoGeometry returns width, height, and frame rate of the first real video
// stream. Cover-art streams are skipped.
func (r Result) VideoGeometry() (Geometry, error) {
	for _, stream := range r.Streams {
		if !isVideo(stream) {
			continue
		}
		fps := ParseRate(stream.AvgFrameRate)
		if fps <= 0 {
			fps = ParseRate(stream.RFrameRate)
		}
		return Geometry{Width: stream.Width, Height: stream.Height, FPS: fps, Codec: stream.CodecName}, nil
	}
	return Geometry{}, ErrNoVideoStream
}

// DurationSeconds returns the container duration in seconds, or 0 when unavailable.
func (r Result) DurationSeconds() float64 {
	return parseFloat(r.Format.Duration)
}

// SizeBytes returns the reported container size in bytes, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if math.IsNaN(size) || size < 0 {
		return 0
	}
	return int64(size)
}

// ParseRate converts an ffprobe rate such as "30000/1001" or "25" to frames
// per second. Unparseable or zero-denominator values yield 0.
func ParseRate(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	num, den, ok := strings.Cut(value, "/")
	if !ok {
		v := parseFloat(num)
		if math.IsNaN(v) || v < 0 {
			return 0
		}
		return v
	}
	n, d := parseFloat(num), parseFloat(den)
	if math.IsNaN(n) || math.IsNaN(d) || d == 0 || n < 0 {
		return 0
	}
	return n / d
}

func isVideo(stream Stream) bool {
	return strings.EqualFold(stream.CodecType, "video") && stream.Disposition.AttachedPic == 0
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
