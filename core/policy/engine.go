// Package policy decides whether an extension must be disabled because it
// requests permissions on the configured disable-list.
package policy

import (
	"slices"
	"strings"

	"github.com/cordum/extmgr/core/extensions"
)

// Action is the decision of the engine.
type Action string

const (
	ActionNone    Action = "none"
	ActionDisable Action = "disable"
)

// Policy is the auto-disable configuration for one evaluation. It is built
// from the persisted options at the start of every callback and never cached.
type Policy struct {
	AutoDisable bool                `json:"autoDisable"`
	DisableList []string            `json:"disablePermissions"`
	Whitelist   map[string][]string `json:"whitelist,omitempty"`
}

// Active reports whether the policy can ever disable anything.
func (p Policy) Active() bool {
	return p.AutoDisable && len(p.DisableList) > 0
}

// Exempt reports whether perm is whitelisted for the given extension.
func (p Policy) Exempt(id, perm string) bool {
	return slices.Contains(p.Whitelist[id], perm)
}

// Decision is the result of Evaluate. Triggering is sorted and only set when
// Action is ActionDisable.
type Decision struct {
	Action     Action   `json:"action"`
	Triggering []string `json:"triggeringPermissions,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Disable reports whether the decision asks for the extension to be disabled.
func (d Decision) Disable() bool {
	return d.Action == ActionDisable
}

func none(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason}
}

// Evaluate applies the policy to one extension. Permission matching is exact
// string membership and the whitelist is applied per permission, so an
// extension can be exempt from one listed permission and still be disabled
// for another. Evaluate has no side effects.
func Evaluate(rec extensions.Record, p Policy) Decision {
	if !p.Active() {
		return none("policy inactive")
	}
	if !rec.Enabled {
		return none("already disabled")
	}
	if len(rec.Permissions) == 0 {
		return none("no permissions requested")
	}

	var triggering []string
	for _, perm := range p.DisableList {
		if perm == "" || !rec.HasPermission(perm) {
			continue
		}
		if p.Exempt(rec.ID, perm) {
			continue
		}
		triggering = append(triggering, perm)
	}
	if len(triggering) == 0 {
		return none("no disable-listed permissions")
	}
	slices.Sort(triggering)
	triggering = slices.Compact(triggering)
	return Decision{
		Action:     ActionDisable,
		Triggering: triggering,
		Reason:     "requests " + strings.Join(triggering, ", "),
	}
}
