// Package extensions models installed browser extensions as reported by the
// host browser and normalizes them into canonical records.
package extensions

import (
	"slices"
	"strings"
)

// InstallType describes how an extension was installed.
type InstallType string

const (
	InstallNormal      InstallType = "normal"
	InstallDevelopment InstallType = "development"
	InstallSideload    InstallType = "sideload"
	InstallOther       InstallType = "other"
)

// ParseInstallType maps a host-reported install type onto the known set.
// Anything unrecognized (for example "admin") is reported as other.
func ParseInstallType(raw string) InstallType {
	switch InstallType(strings.ToLower(strings.TrimSpace(raw))) {
	case InstallNormal:
		return InstallNormal
	case InstallDevelopment:
		return InstallDevelopment
	case InstallSideload:
		return InstallSideload
	default:
		return InstallOther
	}
}

// Action tags a state change recorded in the history log.
type Action string

const (
	ActionInstall   Action = "install"
	ActionUpdate    Action = "update"
	ActionUninstall Action = "uninstall"
	ActionEnable    Action = "enable"
	ActionDisable   Action = "disable"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionInstall, ActionUpdate, ActionUninstall, ActionEnable, ActionDisable:
		return true
	}
	return false
}

const (
	// TypeExtension is the host item type for regular extensions; themes,
	// apps and other item types are ignored.
	TypeExtension = "extension"

	searchProviderSuffix = "@search.mozilla.org"
	internalMarkerPerm   = "internal:svgContextPropertiesAllowed"
)

// Record is the canonical view of one installed extension.
type Record struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Version         string      `json:"version"`
	Enabled         bool        `json:"enabled"`
	Type            string      `json:"type,omitempty"`
	InstallType     InstallType `json:"installType"`
	Permissions     []string    `json:"permissions"`
	HostPermissions []string    `json:"hostPermissions"`
	HomepageURL     string      `json:"homepageUrl,omitempty"`
	OptionsURL      string      `json:"optionsUrl,omitempty"`
	Icon            string      `json:"icon,omitempty"`
	UUID            string      `json:"uuid"`
	ManifestURL     string      `json:"manifest"`
}

// HasPermission reports exact membership of perm in the requested API permissions.
func (r Record) HasPermission(perm string) bool {
	return slices.Contains(r.Permissions, perm)
}

// Excluded reports whether the record belongs to an item the manager never
// tracks (non-extensions and the browser's built-in search providers).
func (r Record) Excluded() bool {
	return excluded(r.Type, r.ID, r.Permissions)
}

// Entry is a history log entry: a record snapshot plus the action and the
// epoch-millisecond time it was recorded.
type Entry struct {
	Record
	Action    Action `json:"action"`
	Timestamp int64  `json:"date"`
}

// Icon is one icon size offered by the host.
type Icon struct {
	Size int    `json:"size"`
	URL  string `json:"url"`
}

// Item is an extension exactly as the host reports it. Only Normalize
// should read it; the rest of the system works on Record.
type Item struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Enabled         bool     `json:"enabled"`
	Type            string   `json:"type"`
	InstallType     string   `json:"installType"`
	Permissions     []string `json:"permissions,omitempty"`
	HostPermissions []string `json:"hostPermissions,omitempty"`
	HomepageURL     string   `json:"homepageUrl,omitempty"`
	OptionsURL      string   `json:"optionsUrl,omitempty"`
	Icons           []Icon   `json:"icons,omitempty"`
}

// Excluded reports whether the item is filtered out of the directory.
func (it Item) Excluded() bool {
	return excluded(it.Type, it.ID, it.Permissions)
}

func excluded(typ, id string, perms []string) bool {
	if typ != "" && typ != TypeExtension {
		return true
	}
	if strings.HasSuffix(id, searchProviderSuffix) {
		return true
	}
	return slices.Contains(perms, internalMarkerPerm)
}

// Browser selects the host URL scheme used for manifest URLs.
type Browser string

const (
	BrowserChrome  Browser = "chrome"
	BrowserFirefox Browser = "firefox"
)

// ParseBrowser accepts common aliases and defaults to chrome.
func ParseBrowser(raw string) Browser {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "firefox", "gecko", "moz", "mozilla":
		return BrowserFirefox
	default:
		return BrowserChrome
	}
}

// Scheme returns the extension URL scheme of the browser.
func (b Browser) Scheme() string {
	if b == BrowserFirefox {
		return "moz-extension"
	}
	return "chrome-extension"
}

var internalOrigins = []string{"moz-extension://", "chrome-extension://"}

// Normalize converts a host item into a Record. Host permissions that point
// at an internal extension origin carry the extension's UUID; the UUID is
// extracted and the pattern dropped from the reported host permissions.
func Normalize(it Item, browser Browser) Record {
	hostPerms := make([]string, 0, len(it.HostPermissions))
	uuid := ""
	for _, perm := range it.HostPermissions {
		if origin, ok := internalOrigin(perm); ok {
			if uuid == "" {
				uuid = originHost(perm, origin)
			}
			continue
		}
		hostPerms = append(hostPerms, perm)
	}
	if uuid == "" {
		uuid = it.ID
	}
	return Record{
		ID:              it.ID,
		Name:            it.Name,
		Version:         it.Version,
		Enabled:         it.Enabled,
		Type:            it.Type,
		InstallType:     ParseInstallType(it.InstallType),
		Permissions:     normalizeSet(it.Permissions),
		HostPermissions: normalizeSet(hostPerms),
		HomepageURL:     it.HomepageURL,
		OptionsURL:      it.OptionsURL,
		Icon:            PickIcon(it.Icons, 32),
		UUID:            uuid,
		ManifestURL:     browser.Scheme() + "://" + uuid + "/manifest.json",
	}
}

func internalOrigin(perm string) (string, bool) {
	for _, origin := range internalOrigins {
		if strings.HasPrefix(perm, origin) {
			return origin, true
		}
	}
	return "", false
}

// originHost returns the authority of an internal origin pattern,
// e.g. "moz-extension://1234-abcd/*" -> "1234-abcd".
func originHost(perm, origin string) string {
	rest := strings.TrimPrefix(perm, origin)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

// PickIcon returns the URL of the icon with the requested size, the first
// icon when none match, or "" when there are no icons.
func PickIcon(icons []Icon, size int) string {
	if len(icons) == 0 {
		return ""
	}
	for _, icon := range icons {
		if icon.Size == size {
			return icon.URL
		}
	}
	return icons[0].URL
}

// normalizeSet returns a sorted copy without empty strings or duplicates.
func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
