package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"reel/internal/config"
)

const userAgent = "reel/0.1"

// Event identifies a notification type.
type Event string

const (
	EventVRAMFallback  Event = "vram_fallback"
	EventVRAMRecovered Event = "vram_recovered"
	EventEncodeFailed  Event = "encode_failed"
	EventPoolEmpty     Event = "pool_empty"
	EventTest          Event = "test"
)

// Payload carries event fields. Missing keys render as empty strings.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService returns an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventVRAMFallback:
		return message{
			title: "Reel - Video Paused",
			body:  fmt.Sprintf("VRAM low (%s%% free); showing pictures until it recovers", payload.text("free_percent")),
			tags:  []string{"reel", "vram", "fallback"},
		}, true
	case EventVRAMRecovered:
		return message{
			title: "Reel - Video Resumed",
			body:  fmt.Sprintf("VRAM recovered (%s%% free); back to video wallpapers", payload.text("free_percent")),
			tags:  []string{"reel", "vram", "recovered"},
		}, true
	case EventEncodeFailed:
		body := fmt.Sprintf("Rendition encode failed: %s", filepath.Base(payload.text("source")))
		if reason := payload.text("error"); reason != "" {
			body += "\n" + reason
		}
		return message{
			title:    "Reel - Encode Failed",
			body:     body,
			tags:     []string{"reel", "encode", "error"},
			priority: "high",
		}, true
	case EventPoolEmpty:
		return message{
			title: "Reel - Nothing To Show",
			body:  fmt.Sprintf("No %s files found in %s", payload.text("mode"), payload.text("dir")),
			tags:  []string{"reel", "pool", "empty"},
		}, true
	case EventTest:
		return message{
			title:    "Reel - Test",
			body:     "Notification test",
			tags:     []string{"reel", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (p Payload) text(key string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.1f", v)
	default:
		return fmt.Sprint(v)
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
