// Package notify delivers user-facing alerts. The manager only supplies a
// title, a message and a category; rendering belongs to the browser agent.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/logging"
)

// Category selects the alert style.
type Category string

const (
	Info    Category = "info"
	Success Category = "success"
	Warning Category = "warning"
)

// Notification is the payload published on the notify subject.
type Notification struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
}

// Notifier surfaces one alert to the user.
type Notifier interface {
	Notify(ctx context.Context, title, message string, category Category) error
}

// Publisher is the bus capability BusNotifier needs.
type Publisher interface {
	Publish(subject string, packet *bus.Packet) error
}

// BusNotifier publishes notifications for the browser agent to render.
type BusNotifier struct {
	pub    Publisher
	sender string
}

// NewBusNotifier builds a notifier over pub.
func NewBusNotifier(pub Publisher, sender string) *BusNotifier {
	return &BusNotifier{pub: pub, sender: sender}
}

func (n *BusNotifier) Notify(ctx context.Context, title, message string, category Category) error {
	if n == nil || n.pub == nil {
		return fmt.Errorf("notifier unavailable")
	}
	packet, err := bus.NewPacket(bus.KindNotify, n.sender, Notification{
		Title:    title,
		Message:  message,
		Category: normalize(category),
	})
	if err != nil {
		return err
	}
	return n.pub.Publish(bus.SubjectNotify, packet)
}

// LogNotifier writes notifications to the log. It is used when no bus is
// configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, title, message string, category Category) error {
	logging.Info("notify", title, "message", message, "category", normalize(category))
	return nil
}

// Multi fans out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, title, message string, category Category) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, title, message, category); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func normalize(c Category) Category {
	switch Category(strings.ToLower(string(c))) {
	case Success:
		return Success
	case Warning:
		return Warning
	default:
		return Info
	}
}
