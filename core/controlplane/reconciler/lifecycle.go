package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/logging"
	"github.com/cordum/extmgr/core/notify"
	"github.com/cordum/extmgr/core/policy"
)

// HandleLifecycleEvent queues one host lifecycle callback and waits for it
// to be applied.
func (r *Reconciler) HandleLifecycleEvent(ctx context.Context, kind extensions.EventKind, rec extensions.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%s event without extension id", kind)
	}
	return r.submit(ctx, string(kind)+" "+rec.ID, func(ctx context.Context) error {
		return r.apply(ctx, kind, rec)
	})
}

// HandleEvent normalizes a host event and applies it.
func (r *Reconciler) HandleEvent(ctx context.Context, ev extensions.Event) error {
	if ev.Kind != extensions.EventUninstalled && ev.Item.Excluded() {
		return nil
	}
	return r.HandleLifecycleEvent(ctx, ev.Kind, r.dir.Normalize(ev.Item))
}

// Post queues a host event without waiting. It is safe to call from host
// callbacks that fire while a job is running.
func (r *Reconciler) Post(ev extensions.Event) {
	if ev.Item.ID == "" || (ev.Kind != extensions.EventUninstalled && ev.Item.Excluded()) {
		return
	}
	kind, rec := ev.Kind, r.dir.Normalize(ev.Item)
	err := r.enqueue(job{name: string(kind) + " " + rec.ID, fn: func(ctx context.Context) error {
		if err := r.apply(ctx, kind, rec); err != nil {
			logging.Error("reconciler", "lifecycle event failed", "kind", kind, "id", rec.ID, "error", err)
		}
		return nil
	}})
	if err != nil {
		logging.Warn("reconciler", "dropping lifecycle event", "kind", kind, "id", rec.ID, "error", err)
	}
}

// ProcessAll runs the policy over every enabled extension in the installed
// set and returns the outcomes of the disable decisions.
func (r *Reconciler) ProcessAll(ctx context.Context) ([]policy.Outcome, error) {
	var out []policy.Outcome
	err := r.submit(ctx, "process permissions", func(ctx context.Context) error {
		out = nil
		opts := r.loadOptions(ctx)
		records, err := r.store.Installed.List(ctx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if o, ok := r.applyPolicy(ctx, rec, opts); ok {
				out = append(out, o)
			}
		}
		return nil
	})
	return out, err
}

func (r *Reconciler) apply(ctx context.Context, kind extensions.EventKind, rec extensions.Record) error {
	r.metrics.IncLifecycle(string(kind))
	r.self(ctx)
	switch kind {
	case extensions.EventInstalled:
		return r.installed(ctx, rec)
	case extensions.EventUninstalled:
		return r.uninstalled(ctx, rec.ID)
	case extensions.EventEnabled:
		return r.toggled(ctx, rec, true)
	case extensions.EventDisabled:
		return r.toggled(ctx, rec, false)
	default:
		return fmt.Errorf("unknown lifecycle event %q", kind)
	}
}

func (r *Reconciler) installed(ctx context.Context, rec extensions.Record) error {
	opts := r.loadOptions(ctx)
	known, err := r.store.Installed.Has(ctx, rec.ID)
	if err != nil {
		return err
	}
	action := extensions.ActionInstall
	if known {
		action = extensions.ActionUpdate
	}
	if err := r.store.Installed.Upsert(ctx, rec); err != nil {
		return err
	}
	if rec.ID != r.selfID {
		if err := r.store.AllTime.Touch(ctx, rec); err != nil {
			logging.Warn("reconciler", "all-time ledger update failed", "id", rec.ID, "error", err)
		}
	}
	if err := r.appendHistory(ctx, action, rec, opts); err != nil {
		return err
	}
	r.applyPolicy(ctx, rec, opts)
	return nil
}

func (r *Reconciler) uninstalled(ctx context.Context, id string) error {
	opts := r.loadOptions(ctx)
	cached, ok, err := r.store.Installed.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		logging.Warn("reconciler", "uninstall for unknown extension", "id", id)
		return nil
	}
	if _, err := r.store.Installed.Remove(ctx, id); err != nil {
		return err
	}
	return r.appendHistory(ctx, extensions.ActionUninstall, cached, opts)
}

func (r *Reconciler) toggled(ctx context.Context, rec extensions.Record, enabled bool) error {
	opts := r.loadOptions(ctx)
	rec = r.complete(ctx, rec)
	rec.Enabled = enabled
	if err := r.store.Installed.Upsert(ctx, rec); err != nil {
		return err
	}
	action := extensions.ActionDisable
	if enabled {
		action = extensions.ActionEnable
	}
	if err := r.appendHistory(ctx, action, rec, opts); err != nil {
		return err
	}
	if enabled {
		r.applyPolicy(ctx, rec, opts)
	}
	return nil
}

// complete fills in a record that arrived with only its id from the
// installed set.
func (r *Reconciler) complete(ctx context.Context, rec extensions.Record) extensions.Record {
	if rec.Name != "" || rec.Version != "" {
		return rec
	}
	cached, ok, err := r.store.Installed.Get(ctx, rec.ID)
	if err != nil || !ok {
		return rec
	}
	return cached
}

func (r *Reconciler) appendHistory(ctx context.Context, action extensions.Action, rec extensions.Record, opts configsvc.Options) error {
	entry, ok, err := r.store.History.Append(ctx, action, rec, opts.HistoryMax)
	if err != nil || !ok {
		return err
	}
	r.metrics.IncHistoryAppended(string(action))
	if r.publisher == nil {
		return nil
	}
	packet, err := bus.NewPacket(bus.KindHistory, r.sender, entry)
	if err != nil {
		logging.Warn("reconciler", "encode history entry", "error", err)
		return nil
	}
	if err := r.publisher.Publish(bus.SubjectHistoryAppended, packet); err != nil {
		logging.Warn("reconciler", "publish history entry", "id", rec.ID, "error", err)
	}
	return nil
}

// applyPolicy evaluates rec and acts on a disable decision. Host and
// notifier failures end here. It reports false when no disable was decided.
func (r *Reconciler) applyPolicy(ctx context.Context, rec extensions.Record, opts configsvc.Options) (policy.Outcome, bool) {
	self, ok := r.self(ctx)
	if !ok {
		logging.Warn("reconciler", "policy skipped until self id is known", "id", rec.ID)
		return policy.Outcome{}, false
	}
	if rec.ID == self {
		return policy.Outcome{}, false
	}
	decision := policy.Evaluate(rec, opts.Policy())
	r.metrics.IncDecision(string(decision.Action))
	if !decision.Disable() {
		return policy.Outcome{}, false
	}

	outcome := policy.Outcome{Record: rec, Decision: decision}
	if err := r.host.SetEnabled(ctx, rec.ID, false); err != nil {
		outcome.Err = err
		r.metrics.IncDisableFailed()
		if errors.Is(err, extensions.ErrDisableRejected) {
			logging.Warn("reconciler", "host rejected disable", "id", rec.ID, "permissions", decision.Triggering)
		} else {
			logging.Error("reconciler", "disable failed", "id", rec.ID, "error", err)
		}
	} else {
		outcome.Applied = true
		rec.Enabled = false
		outcome.Record = rec
		if err := r.store.Installed.Upsert(ctx, rec); err != nil {
			logging.Warn("reconciler", "record disabled state", "id", rec.ID, "error", err)
		}
		logging.Info("reconciler", "extension disabled by policy", "id", rec.ID, "permissions", decision.Triggering)
	}

	title, message := outcome.Message()
	if err := r.notifier.Notify(ctx, title, message, notify.Warning); err != nil {
		logging.Warn("reconciler", "notify failed", "id", rec.ID, "error", err)
	}
	return outcome, true
}
