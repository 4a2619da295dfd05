// Package notification reports security-relevant identity events to
// downstream systems.
package notification

import (
	"context"
	"log/slog"
	"sync"
)

const (
	KindAccessDenied    = "access_denied"
	KindSuspendedLogin  = "suspended_login"
	KindPinCreated      = "pin_created"
	KindPinRejected     = "pin_rejected"
	KindPinVerified     = "pin_verified"
	KindStatusChanged   = "status_changed"
	KindPinReset        = "pin_reset"
	KindIdentityAdded   = "identity_added"
	KindIdentityRemoved = "identity_removed"
)

// Message describes a notification payload. Destination is the affected email.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger. Denials are logged at warn.
func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	level := slog.LevelInfo
	switch message.Kind {
	case KindAccessDenied, KindSuspendedLogin, KindPinRejected:
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "security event",
		slog.String("kind", message.Kind),
		slog.String("email", message.Destination),
		slog.String("body", message.Body),
	)
	return nil
}

// Recorder keeps every message in memory. Useful for tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Kinds lists the recorded kinds in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Kind)
	}
	return out
}
