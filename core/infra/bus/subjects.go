package bus

import "strings"

const (
	// SubjectLifecycleAll matches every lifecycle event the browser agent
	// publishes (ext.lifecycle.installed, ext.lifecycle.uninstalled, ...).
	SubjectLifecycleAll    = "ext.lifecycle.>"
	subjectLifecyclePrefix = "ext.lifecycle."

	// SubjectNotify carries user-facing notifications for the agent to render.
	SubjectNotify = "ext.notify"
	// SubjectHistoryAppended announces each new history entry.
	SubjectHistoryAppended = "ext.history.appended"
	// SubjectConfigChanged is published after the options document changes.
	SubjectConfigChanged = "sys.config.changed"
	// SubjectProcessPerms asks the worker to run the policy over every
	// installed extension.
	SubjectProcessPerms = "ext.command.process_perms"
	// SubjectResync asks the worker to rebuild the installed set.
	SubjectResync = "ext.command.resync"

	// Host request/reply subjects answered by the browser agent.
	SubjectHostList       = "ext.host.list"
	SubjectHostGet        = "ext.host.get"
	SubjectHostSetEnabled = "ext.host.set_enabled"
	SubjectHostSelf       = "ext.host.self"

	// Packet kinds.
	KindLifecycle   = "lifecycle"
	KindNotify      = "notify"
	KindHistory     = "history"
	KindConfig      = "config"
	KindCommand     = "command"
	KindHostRequest = "host.request"
	KindHostReply   = "host.reply"
)

// LifecycleSubject returns the subject for one lifecycle kind.
func LifecycleSubject(kind string) string {
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind == "" {
		return ""
	}
	return subjectLifecyclePrefix + kind
}

// LifecycleKind extracts the kind from a lifecycle subject.
func LifecycleKind(subject string) (string, bool) {
	if !strings.HasPrefix(subject, subjectLifecyclePrefix) {
		return "", false
	}
	kind := strings.TrimPrefix(subject, subjectLifecyclePrefix)
	if kind == "" || strings.Contains(kind, ".") {
		return "", false
	}
	return kind, true
}

// isDurableSubject reports subjects that go through JetStream when enabled:
// lifecycle events and worker commands must survive a worker restart.
func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, subjectLifecyclePrefix) || strings.HasPrefix(subject, "ext.command.")
}
