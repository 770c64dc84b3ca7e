package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cordum/extmgr/core/extensions"
)

func TestConvergeFiresBrowserEvents(t *testing.T) {
	ctx := context.Background()
	m := seeded()
	var got []string
	m.OnEvent(func(ev extensions.Event) { got = append(got, string(ev.Kind)+":"+ev.Item.ID) })

	err := Converge(ctx, m, []extensions.Item{
		{ID: "b", Name: "Bravo", Version: "1.0", Enabled: false, Type: "extension", Permissions: []string{"tabs"}},
		{ID: "c", Name: "Charlie", Version: "1.0", Enabled: true, Type: "extension"},
	})
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	want := []string{"disabled:b", "installed:c", "uninstalled:a"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestConvergeReportsChangedItemAsInstall(t *testing.T) {
	ctx := context.Background()
	m := seeded()
	var kinds []extensions.EventKind
	m.OnEvent(func(ev extensions.Event) { kinds = append(kinds, ev.Kind) })

	items, _ := m.ListAll(ctx)
	for i := range items {
		if items[i].ID == "a" {
			items[i].Version = "2.1"
		}
	}
	if err := Converge(ctx, m, items); err != nil {
		t.Fatalf("converge: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != extensions.EventInstalled {
		t.Fatalf("expected one installed event, got %v", kinds)
	}
	if err := Converge(ctx, m, items); err != nil {
		t.Fatalf("converge: %v", err)
	}
	if len(kinds) != 1 {
		t.Fatalf("expected converged host to stay quiet, got %v", kinds)
	}
}

func TestConvergeKeepsSelf(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("self@extmgr", extensions.Item{ID: "self@extmgr", Name: "Manager", Type: "extension"})
	if err := Converge(ctx, m, nil); err != nil {
		t.Fatalf("converge: %v", err)
	}
	if _, err := m.Get(ctx, "self@extmgr"); err != nil {
		t.Fatalf("self should survive an empty seed: %v", err)
	}
}

func TestLoadItems(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.json")
	if err := os.WriteFile(path, []byte(`[{"id":"a","name":"Alpha","enabled":true,"type":"extension"}]`), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	items, err := LoadItems(path)
	if err != nil || len(items) != 1 || items[0].Name != "Alpha" {
		t.Fatalf("unexpected items %+v (%v)", items, err)
	}

	if err := os.WriteFile(path, []byte(`[{"name":"no id"}]`), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := LoadItems(path); err == nil {
		t.Fatalf("expected missing id error")
	}
	if _, err := LoadItems(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestSampleItemsFilterThroughDirectory(t *testing.T) {
	m := NewMemory("self@extmgr", SampleItems()...)
	recs, err := extensions.NewDirectory(m, extensions.BrowserChrome).List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected search provider and theme filtered out, got %d records", len(recs))
	}
}
