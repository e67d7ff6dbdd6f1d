package notify

import "log/slog"

// Kinds of user-facing notifications.
const (
	KindInfo    = "info"
	KindWarning = "warning"
	KindError   = "error"
)

// Sink receives user-facing notifications. Implementations must never block
// the caller.
type Sink interface {
	Notify(kind, title, message, link string)
}

// Logger writes notifications to a structured log. The default sink.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Notify(kind, title, message, link string) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{"title", title, "message", message}
	if link != "" {
		attrs = append(attrs, "link", link)
	}
	switch kind {
	case KindError:
		log.Error("notification", attrs...)
	case KindWarning:
		log.Warn("notification", attrs...)
	default:
		log.Info("notification", attrs...)
	}
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(string, string, string, string) {}
