package reconciler

import (
	"context"
	"fmt"

	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/logging"
)

// QueueGroup spreads lifecycle events across worker replicas.
const QueueGroup = "extmgr-worker"

// Subscriber registers bus handlers.
type Subscriber interface {
	Subscribe(subject, queue string, handler func(*bus.Packet) error) error
}

// Bind subscribes the reconciler to lifecycle events, worker commands and
// config changes.
func (r *Reconciler) Bind(ctx context.Context, s Subscriber) error {
	subs := map[string]func(*bus.Packet) error{
		bus.SubjectLifecycleAll: func(p *bus.Packet) error { return r.onLifecycle(ctx, p) },
		bus.SubjectProcessPerms: func(*bus.Packet) error {
			outcomes, err := r.ProcessAll(ctx)
			if err != nil {
				return err
			}
			logging.Info("reconciler", "permission sweep finished", "disable_decisions", len(outcomes))
			return nil
		},
		bus.SubjectResync: func(*bus.Packet) error { return r.Resync(ctx) },
	}
	for subject, fn := range subs {
		if err := s.Subscribe(subject, QueueGroup, fn); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	// No queue group: every replica logs config changes. Jobs read options fresh.
	return s.Subscribe(bus.SubjectConfigChanged, "", func(p *bus.Packet) error {
		var change configsvc.Change
		if err := p.Decode(&change); err != nil {
			return err
		}
		logging.Info("reconciler", "options changed", "revision", change.Revision, "sender", p.Sender)
		return nil
	})
}

func (r *Reconciler) onLifecycle(ctx context.Context, p *bus.Packet) error {
	raw, ok := bus.LifecycleKind(p.Subject)
	if !ok {
		return fmt.Errorf("unexpected lifecycle subject %q", p.Subject)
	}
	kind, ok := extensions.ParseEventKind(raw)
	if !ok {
		logging.Warn("reconciler", "ignoring unknown lifecycle kind", "kind", raw)
		return nil
	}
	var item extensions.Item
	if err := p.Decode(&item); err != nil {
		return fmt.Errorf("decode %s event: %w", kind, err)
	}
	if item.ID == "" {
		logging.Warn("reconciler", "lifecycle event without id", "kind", kind)
		return nil
	}
	return r.HandleEvent(ctx, extensions.Event{Kind: kind, Item: item})
}
