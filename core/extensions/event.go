package extensions

import "strings"

// EventKind is a lifecycle notification kind reported by the host.
type EventKind string

const (
	EventInstalled   EventKind = "installed"
	EventUninstalled EventKind = "uninstalled"
	EventEnabled     EventKind = "enabled"
	EventDisabled    EventKind = "disabled"
)

// ParseEventKind accepts the canonical kinds and the host's callback names
// (onInstalled, onUninstalled, ...).
func ParseEventKind(raw string) (EventKind, bool) {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.TrimPrefix(k, "on")
	switch EventKind(k) {
	case EventInstalled, EventUninstalled, EventEnabled, EventDisabled:
		return EventKind(k), true
	}
	return "", false
}

// Event is one lifecycle callback. Uninstall events may carry only the id.
type Event struct {
	Kind EventKind `json:"kind"`
	Item Item      `json:"item"`
}
