package configsvc

import (
	"encoding/json"
	"fmt"

	"github.com/cordum/extmgr/core/policy"
)

// DefaultHistoryMax is the history cap used until the user changes it.
const DefaultHistoryMax = 1000

// Options is the typed view of the persisted options document.
type Options struct {
	ContextMenu        bool                `json:"contextMenu"`
	ShowUpdate         bool                `json:"showUpdate"`
	AutoDisable        bool                `json:"autoDisable"`
	DisablePermissions []string            `json:"disablePermissions"`
	HistoryMax         int                 `json:"historyMax"`
	Whitelist          map[string][]string `json:"whitelist"`
}

// DefaultOptions returns the options a fresh install starts with.
func DefaultOptions() Options {
	return Options{
		ContextMenu: true,
		HistoryMax:  DefaultHistoryMax,
		Whitelist:   map[string][]string{},
	}
}

// defaultData holds the keys seeded by EnsureDefaults. Keys already present
// in the stored document are never overwritten.
func defaultData() map[string]any {
	return map[string]any{
		"contextMenu": true,
		"showUpdate":  false,
		"autoDisable": false,
		"historyMax":  float64(DefaultHistoryMax),
	}
}

// DecodeOptions overlays data onto the defaults.
func DecodeOptions(data map[string]any) (Options, error) {
	opts := DefaultOptions()
	if len(data) == 0 {
		return opts, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return opts, fmt.Errorf("encode options: %w", err)
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return DefaultOptions(), fmt.Errorf("decode options: %w", err)
	}
	if opts.HistoryMax <= 0 {
		opts.HistoryMax = DefaultHistoryMax
	}
	if opts.Whitelist == nil {
		opts.Whitelist = map[string][]string{}
	}
	return opts, nil
}

// Policy derives the auto-disable policy for one evaluation.
func (o Options) Policy() policy.Policy {
	return policy.Policy{
		AutoDisable: o.AutoDisable,
		DisableList: append([]string(nil), o.DisablePermissions...),
		Whitelist:   o.Whitelist,
	}
}
