package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/extmgr/core/extensions"
)

// Outcome pairs a decision with the result of acting on it. The decision
// and the host side effect are reported separately: a rejected disable still
// produces a notification, worded as "should be disabled".
type Outcome struct {
	Record   extensions.Record
	Decision Decision
	Applied  bool
	Err      error
}

// Rejected reports whether the host refused the disable request.
func (o Outcome) Rejected() bool {
	return o.Decision.Disable() && !o.Applied
}

// Message renders the user-facing notification title and body.
func (o Outcome) Message() (string, string) {
	name := o.Record.Name
	if name == "" {
		name = o.Record.ID
	}
	perms := strings.Join(o.Decision.Triggering, ", ")
	if o.Applied {
		return "Extension Disabled", fmt.Sprintf("%s was disabled for requesting: %s", name, perms)
	}
	msg := fmt.Sprintf("%s should be disabled for requesting: %s", name, perms)
	if o.Err != nil && !errors.Is(o.Err, extensions.ErrDisableRejected) {
		msg += fmt.Sprintf(" (%v)", o.Err)
	}
	return "Extension Should Be Disabled", msg
}
