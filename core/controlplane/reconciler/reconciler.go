// Package reconciler keeps the installed set and the history log in step
// with the host. Every mutation runs on one queue goroutine; across worker
// replicas each queued job also holds a Redis lock.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/locks"
	"github.com/cordum/extmgr/core/infra/logging"
	"github.com/cordum/extmgr/core/infra/metrics"
	"github.com/cordum/extmgr/core/infra/store"
	"github.com/cordum/extmgr/core/notify"
	"github.com/google/uuid"
)

const (
	// LockResource serializes reconciliation across worker replicas.
	LockResource = "extmgr:reconcile"

	defaultLockTTL   = 30 * time.Second
	lockPollInterval = 25 * time.Millisecond
	lockRetryBackoff = 500 * time.Millisecond
)

// ErrStopped is returned for jobs submitted after Run returned.
var ErrStopped = errors.New("reconciler stopped")

// OptionsSource loads the current options. It is called at the start of
// every job, never cached.
type OptionsSource interface {
	Options(ctx context.Context) (configsvc.Options, error)
}

// Publisher publishes packets on the bus.
type Publisher interface {
	Publish(subject string, packet *bus.Packet) error
}

// Config wires the reconciler's collaborators. Locks, Publisher and Metrics
// are optional. LockWait bounds how long a job waits for a lock held by
// another replica; it defaults to LockTTL, after which a stale holder's lock
// has expired.
type Config struct {
	Host      extensions.Host
	Browser   extensions.Browser
	Store     *store.Store
	Options   OptionsSource
	Notifier  notify.Notifier
	Locks     locks.Store
	LockTTL   time.Duration
	LockWait  time.Duration
	Publisher Publisher
	Metrics   metrics.Metrics
	Sender    string
}

type job struct {
	name string
	fn   func(context.Context) error
	done chan error
}

// Reconciler is the single writer of the installed set and the history log.
type Reconciler struct {
	host      extensions.Host
	dir       *extensions.Directory
	store     *store.Store
	options   OptionsSource
	notifier  notify.Notifier
	locks     locks.Store
	lockTTL   time.Duration
	lockWait  time.Duration
	publisher Publisher
	metrics   metrics.Metrics
	sender    string

	// selfID is only touched from the queue goroutine.
	selfID string

	mu      sync.Mutex
	pending []job
	stopped bool
	wake    chan struct{}
	ready   chan struct{}
}

// New builds a reconciler. Run must be called to start processing.
func New(cfg Config) *Reconciler {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogNotifier{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = cfg.LockTTL
	}
	return &Reconciler{
		host:      cfg.Host,
		dir:       extensions.NewDirectory(cfg.Host, cfg.Browser),
		store:     cfg.Store,
		options:   cfg.Options,
		notifier:  cfg.Notifier,
		locks:     cfg.Locks,
		lockTTL:   cfg.LockTTL,
		lockWait:  cfg.LockWait,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		sender:    cfg.Sender,
		wake:      make(chan struct{}, 1),
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the startup rebuild has finished.
func (r *Reconciler) Ready() <-chan struct{} {
	return r.ready
}

// Run rebuilds the installed set from the host and then drains the queue
// until ctx is cancelled. Jobs submitted before Run starts wait behind the
// rebuild.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		err := r.runJob(ctx, job{name: "startup rebuild", fn: r.rebuild})
		if err == nil {
			break
		}
		logging.Error("reconciler", "startup rebuild failed", "error", err)
		if !errors.Is(err, locks.ErrBusy) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(lockPollInterval):
		}
	}
	close(r.ready)
	defer r.stop()

	for {
		for {
			next, ok := r.next()
			if !ok {
				break
			}
			err := r.runJob(ctx, next)
			if next.done != nil {
				next.done <- err
			} else if err != nil {
				logging.Error("reconciler", "queued job failed", "job", next.name, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		}
	}
}

// Sync waits until every job queued before the call has run.
func (r *Reconciler) Sync(ctx context.Context) error {
	return r.submit(ctx, "sync", func(context.Context) error { return nil })
}

// Settle waits until the queue is empty, including events that host
// callbacks posted while earlier jobs ran. Idleness is checked from the
// queue goroutine, so no job can be in flight at that point.
func (r *Reconciler) Settle(ctx context.Context) error {
	for {
		var idle bool
		err := r.submit(ctx, "settle", func(context.Context) error {
			r.mu.Lock()
			idle = len(r.pending) == 0
			r.mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
	}
}

// Resync rebuilds the installed set from the host.
func (r *Reconciler) Resync(ctx context.Context) error {
	return r.submit(ctx, "resync", r.rebuild)
}

func (r *Reconciler) submit(ctx context.Context, name string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	if err := r.enqueue(job{name: name, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) enqueue(j job) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.pending = append(r.pending, j)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *Reconciler) next() (job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return job{}, false
	}
	j := r.pending[0]
	r.pending[0] = job{}
	r.pending = r.pending[1:]
	return j, true
}

func (r *Reconciler) stop() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.stopped = true
	r.mu.Unlock()
	for _, j := range pending {
		if j.done != nil {
			j.done <- ErrStopped
		}
	}
}

// runJob runs one job under the cross-replica lock and turns panics into
// errors.
func (r *Reconciler) runJob(ctx context.Context, j job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("reconciler", "job panicked", "job", j.name, "panic", rec)
			err = fmt.Errorf("%s: panic: %v", j.name, rec)
		}
	}()
	if r.locks == nil {
		return j.fn(ctx)
	}
	owner := uuid.NewString()
	deadline := time.Now().Add(r.lockWait)
	interval := lockPollInterval
	for {
		err = locks.WithLock(ctx, r.locks, LockResource, owner, r.lockTTL, j.fn)
		if !errors.Is(err, locks.ErrBusy) {
			return err
		}
		wait := min(interval, time.Until(deadline))
		if wait <= 0 {
			return bus.RetryAfter(fmt.Errorf("%s: %w", j.name, err), lockRetryBackoff)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return bus.RetryAfter(fmt.Errorf("%s: %w", j.name, err), lockRetryBackoff)
		case <-timer.C:
		}
		interval = min(interval*2, lockRetryBackoff)
	}
}

// self returns the manager's own id, asking the host again while it is
// still unknown. It only runs on the queue goroutine.
func (r *Reconciler) self(ctx context.Context) (string, bool) {
	if r.selfID != "" {
		return r.selfID, true
	}
	id, err := r.host.SelfID(ctx)
	if err != nil || id == "" {
		logging.Warn("reconciler", "self id unavailable", "error", err)
		return "", false
	}
	r.selfID = id
	r.store.History.SetSelf(id)
	return id, true
}

// rebuild overwrites the installed set with the host's current list. No
// history entries are written for differences found here.
func (r *Reconciler) rebuild(ctx context.Context) error {
	r.self(ctx)
	records, err := r.dir.List(ctx)
	if err != nil {
		return err
	}
	if err := r.store.Installed.Rebuild(ctx, records); err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ID == r.selfID {
			continue
		}
		if err := r.store.AllTime.Touch(ctx, rec); err != nil {
			logging.Warn("reconciler", "all-time ledger update failed", "id", rec.ID, "error", err)
		}
	}
	logging.Info("reconciler", "installed set rebuilt", "count", len(records))
	return nil
}

func (r *Reconciler) loadOptions(ctx context.Context) configsvc.Options {
	if r.options == nil {
		return configsvc.DefaultOptions()
	}
	opts, err := r.options.Options(ctx)
	if err != nil {
		logging.Warn("reconciler", "options unavailable, using defaults", "error", err)
		return configsvc.DefaultOptions()
	}
	return opts
}
