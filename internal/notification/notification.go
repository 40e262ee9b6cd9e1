// Package notification provides cross-platform desktop notifications.
// It uses the beeep library to send notifications on macOS, Linux, and Windows.
package notification

import (
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/zhubert/relay/internal/logger"
)

const appName = "Relay"

// NotifyFunc delivers one notification.
type NotifyFunc func(title, message string, icon any) error

var (
	mu       sync.RWMutex
	notifyFn NotifyFunc = beeep.Notify
)

// SetNotifier replaces the delivery function. Tests use it to avoid real
// desktop notifications.
func SetNotifier(fn NotifyFunc) {
	mu.Lock()
	defer mu.Unlock()
	notifyFn = fn
}

// ResetNotifier restores beeep delivery.
func ResetNotifier() {
	SetNotifier(beeep.Notify)
}

// Send sends a desktop notification with the given title and message.
func Send(title, message string) error {
	mu.RLock()
	fn := notifyFn
	mu.RUnlock()

	log := logger.ComponentLogger("notification")
	log.Debug("sending notification", "title", title, "message", message)
	// Empty icon: beeep picks the platform default.
	err := fn(title, message, "")
	if err != nil {
		log.Warn("failed to send notification", "error", err)
	}
	return err
}

// SessionCompleted announces that a session finished its procedure.
func SessionCompleted(name string) error {
	return Send(appName, name+" is ready")
}

// SessionFailed announces that a session could not run.
func SessionFailed(name, reason string) error {
	return Send(appName, name+" failed: "+reason)
}

// Notifier sends notifications only when enabled, so callers can hold one
// unconditionally.
type Notifier struct {
	mu      sync.RWMutex
	enabled bool
}

// NewNotifier returns a notifier in the given state.
func NewNotifier(enabled bool) *Notifier {
	return &Notifier{enabled: enabled}
}

// SetEnabled toggles delivery, e.g. after a config reload.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Enabled reports whether notifications are delivered.
func (n *Notifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// Completed sends SessionCompleted when enabled.
func (n *Notifier) Completed(name string) {
	if n.Enabled() {
		SessionCompleted(name)
	}
}

// Failed sends SessionFailed when enabled.
func (n *Notifier) Failed(name, reason string) {
	if n.Enabled() {
		SessionFailed(name, reason)
	}
}
