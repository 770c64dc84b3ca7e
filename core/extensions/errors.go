package extensions

import "errors"

var (
	// ErrHostQuery marks failures of the host extension-management capability.
	ErrHostQuery = errors.New("host query failed")
	// ErrStorage marks failures of the persisted stores.
	ErrStorage = errors.New("storage failure")
	// ErrDisableRejected is returned when the host refuses to disable an
	// extension, typically because it is policy-installed.
	ErrDisableRejected = errors.New("host rejected disable")
	// ErrMissingRecord is returned when an identifier is not known.
	ErrMissingRecord = errors.New("extension not found")
)
