// Package notify delivers formatted digests and operator notices to the
// notification sink.
package notify

import "context"

// Level classifies system notices.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notifier is the notification sink. SendDigest delivers one post digest;
// SendSystemNotice is the operator channel for startup and whole-loop
// failures, never for per-post errors.
type Notifier interface {
	SendDigest(ctx context.Context, authorName, sourceLabel, markdownBody string) error
	SendSystemNotice(ctx context.Context, level Level, title, content string) error
}

// Discard is a Notifier that drops everything. Used when the sink is not
// configured, so monitoring still runs and state still advances.
type Discard struct{}

func (Discard) SendDigest(context.Context, string, string, string) error { return nil }

func (Discard) SendSystemNotice(context.Context, Level, string, string) error { return nil }
