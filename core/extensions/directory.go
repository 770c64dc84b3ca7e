package extensions

import (
	"context"
	"fmt"

	"github.com/cordum/extmgr/core/infra/logging"
)

// Host is the browser's extension-management capability.
type Host interface {
	ListAll(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id string) (Item, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SelfID(ctx context.Context) (string, error)
}

// Directory lists installed extensions as canonical records.
type Directory struct {
	host    Host
	browser Browser
}

// NewDirectory wraps a host for the given browser flavour.
func NewDirectory(host Host, browser Browser) *Directory {
	return &Directory{host: host, browser: browser}
}

// Browser returns the browser flavour used for manifest URLs.
func (d *Directory) Browser() Browser {
	return d.browser
}

// Normalize converts a host item using the directory's browser flavour.
func (d *Directory) Normalize(it Item) Record {
	return Normalize(it, d.browser)
}

// List queries the host and returns every tracked extension. Host errors are
// returned wrapped in ErrHostQuery and are not retried.
func (d *Directory) List(ctx context.Context) ([]Record, error) {
	if d == nil || d.host == nil {
		return nil, fmt.Errorf("%w: host unavailable", ErrHostQuery)
	}
	items, err := d.host.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list extensions: %w", ErrHostQuery, err)
	}
	out := make([]Record, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.ID == "" || it.Excluded() {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			logging.Warn("directory", "duplicate extension id from host", "id", it.ID)
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, Normalize(it, d.browser))
	}
	return out, nil
}

// Get fetches one extension from the host. Excluded items are reported as
// ErrMissingRecord.
func (d *Directory) Get(ctx context.Context, id string) (Record, error) {
	if d == nil || d.host == nil {
		return Record{}, fmt.Errorf("%w: host unavailable", ErrHostQuery)
	}
	it, err := d.host.Get(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("%w: get %s: %w", ErrHostQuery, id, err)
	}
	if it.Excluded() {
		return Record{}, fmt.Errorf("%w: %s", ErrMissingRecord, id)
	}
	return Normalize(it, d.browser), nil
}
