// Package host implements the browser extension-management capability: an
// in-memory host for tests and simulation, and a NATS request/reply client
// that talks to the browser agent.
package host

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/cordum/extmgr/core/extensions"
)

// Memory is an in-process host. Mutations emit lifecycle events to the
// registered listeners, in the order the browser would fire them.
type Memory struct {
	mu        sync.Mutex
	self      string
	items     map[string]extensions.Item
	protected map[string]bool
	listErr   error
	listeners []func(extensions.Event)
}

// NewMemory builds a host whose own extension id is self.
func NewMemory(self string, items ...extensions.Item) *Memory {
	m := &Memory{
		self:      self,
		items:     make(map[string]extensions.Item, len(items)),
		protected: map[string]bool{},
	}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return m
}

// OnEvent registers fn for lifecycle events.
func (m *Memory) OnEvent(fn func(extensions.Event)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Protect makes SetEnabled(id, false) fail with ErrDisableRejected, like a
// policy-installed extension.
func (m *Memory) Protect(id string) {
	m.mu.Lock()
	m.protected[id] = true
	m.mu.Unlock()
}

// FailList makes ListAll return err until called with nil.
func (m *Memory) FailList(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

func (m *Memory) ListAll(ctx context.Context) ([]extensions.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]extensions.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (extensions.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return extensions.Item{}, fmt.Errorf("%w: %s", extensions.ErrMissingRecord, id)
	}
	return it, nil
}

func (m *Memory) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", extensions.ErrMissingRecord, id)
	}
	if !enabled && m.protected[id] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is managed by policy", extensions.ErrDisableRejected, id)
	}
	if it.Enabled == enabled {
		m.mu.Unlock()
		return nil
	}
	it.Enabled = enabled
	m.items[id] = it
	m.mu.Unlock()
	kind := extensions.EventDisabled
	if enabled {
		kind = extensions.EventEnabled
	}
	m.emit(extensions.Event{Kind: kind, Item: it})
	return nil
}

func (m *Memory) SelfID(ctx context.Context) (string, error) {
	return m.self, nil
}

// Install adds or replaces it and fires an installed event. Replacing an
// existing item is how the browser reports an update.
func (m *Memory) Install(it extensions.Item) {
	m.mu.Lock()
	m.items[it.ID] = it
	m.mu.Unlock()
	m.emit(extensions.Event{Kind: extensions.EventInstalled, Item: it})
}

// Uninstall removes id and fires an uninstalled event carrying only the id.
func (m *Memory) Uninstall(id string) bool {
	m.mu.Lock()
	_, ok := m.items[id]
	delete(m.items, id)
	m.mu.Unlock()
	if ok {
		m.emit(extensions.Event{Kind: extensions.EventUninstalled, Item: extensions.Item{ID: id}})
	}
	return ok
}

// Put changes host state silently, as if it happened while the manager was
// not running.
func (m *Memory) Put(it extensions.Item) {
	m.mu.Lock()
	m.items[it.ID] = it
	m.mu.Unlock()
}

// Remove deletes id silently.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
}

func (m *Memory) emit(ev extensions.Event) {
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
