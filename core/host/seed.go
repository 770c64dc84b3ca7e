package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/cordum/extmgr/core/extensions"
)

// SampleItems is a small browser profile for the simulator and the demo.
func SampleItems() []extensions.Item {
	return []extensions.Item{
		{
			ID: "ublock@example.org", Name: "uBlock Origin", Version: "1.58.0", Enabled: true,
			Type: extensions.TypeExtension, InstallType: "normal",
			Permissions:     []string{"storage", "tabs", "webRequest"},
			HostPermissions: []string{"<all_urls>"},
			Icons:           []extensions.Icon{{Size: 16, URL: "icons/16.png"}, {Size: 32, URL: "icons/32.png"}},
		},
		{
			ID: "dl-helper@example.org", Name: "Download Helper", Version: "3.2.1", Enabled: true,
			Type: extensions.TypeExtension, InstallType: "normal",
			Permissions: []string{"downloads", "downloads.open"},
		},
		{
			ID: "devtool@example.org", Name: "Dev Tool", Version: "0.1.0", Enabled: false,
			Type: extensions.TypeExtension, InstallType: "development",
			Permissions: []string{"debugger"},
		},
		{
			ID: "google@search.mozilla.org", Name: "Google", Version: "1.0", Enabled: true,
			Type: extensions.TypeExtension, InstallType: "other",
		},
		{
			ID: "dark-theme@example.org", Name: "Dark", Version: "1.0", Enabled: true,
			Type: "theme", InstallType: "normal",
		},
	}
}

// LoadItems reads a JSON array of host items.
func LoadItems(path string) ([]extensions.Item, error) {
	// #nosec G304 -- seed path is operator supplied.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var items []extensions.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("seed item %d: id required", i)
		}
	}
	return items, nil
}

// Converge moves m to the state described by items, firing the events the
// browser would: installed for new or changed items, enabled/disabled for a
// flipped flag, uninstalled for items that disappeared. The self id is never
// uninstalled.
func Converge(ctx context.Context, m *Memory, items []extensions.Item) error {
	current, err := m.ListAll(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]extensions.Item, len(current))
	for _, it := range current {
		byID[it.ID] = it
	}
	want := make(map[string]bool, len(items))
	for _, it := range items {
		want[it.ID] = true
		cur, ok := byID[it.ID]
		if !ok {
			m.Install(it)
			continue
		}
		flipped := cur
		flipped.Enabled = it.Enabled
		if !reflect.DeepEqual(flipped, it) {
			m.Install(it)
			continue
		}
		if cur.Enabled != it.Enabled {
			if err := m.SetEnabled(ctx, it.ID, it.Enabled); err != nil {
				return err
			}
		}
	}
	self, _ := m.SelfID(ctx)
	for _, it := range current {
		if !want[it.ID] && it.ID != self {
			m.Uninstall(it.ID)
		}
	}
	return nil
}
