// Package notify surfaces user-facing status messages at most once per
// capture session.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Severity classifies a notification for the dashboard.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one user-facing message.
type Notification struct {
	Time     string   `json:"time"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Deduper delivers each distinct message at most once per session.
// The seen-set is session-scoped: Reset on session stop lets a future
// session show the same message again.
type Deduper struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
	sink func(Notification)
}

// NewDeduper creates a deduplicator delivering through sink.
// A nil sink only logs.
func NewDeduper(sink func(Notification), logger *slog.Logger) *Deduper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{
		logger: logger,
		seen:   make(map[string]struct{}),
		sink:   sink,
	}
}

// NotifyOnce delivers the message unless it was already shown this
// session. Returns true when the notification was actually delivered.
func (d *Deduper) NotifyOnce(message string, severity Severity) bool {
	d.mu.Lock()
	if _, dup := d.seen[message]; dup {
		d.mu.Unlock()
		return false
	}
	d.seen[message] = struct{}{}
	sink := d.sink
	d.mu.Unlock()

	n := Notification{
		Time:     time.Now().Format("15:04:05"),
		Severity: severity,
		Message:  message,
	}
	d.logger.Info("notification", "severity", severity, "message", message)
	if sink != nil {
		sink(n)
	}
	return true
}

// Reset discards the seen-set at session end.
func (d *Deduper) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]struct{})
	d.mu.Unlock()
}
