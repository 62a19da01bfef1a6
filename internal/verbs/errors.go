package verbs

import (
	"errors"
	"fmt"
)

// Error classes. Callers distinguish them with errors.Is; call sites wrap
// them with operation context. Protocol violations are never returned from
// a call: they surface as work completion statuses. Double-destroy,
// use-after-destroy and access through a foreign PD are caller obligations
// and are not detected here.
var (
	// ErrInvalidArgument reports malformed or out-of-range caller input,
	// detected before any state change.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceExhausted reports an allocation failure; the caller may
	// retry after releasing resources.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrStateConflict reports an operation invalid for the resource's
	// current state.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotSupported reports an unresolved dispatch slot; permanent for
	// the device instance.
	ErrNotSupported = errors.New("operation not supported")

	// ErrAddrUnavailable reports a GID table slot that holds no valid
	// address.
	ErrAddrUnavailable = errors.New("address unavailable")

	// ErrCQOverrun reports that completions were dropped because the CQ
	// was full; returned once by PollCQ after the queue drains.
	ErrCQOverrun = errors.New("completion queue overrun")
)

// notSupported builds the error returned when an unresolved slot is
// invoked.
func notSupported(slot string) error {
	return fmt.Errorf("%s: %w", slot, ErrNotSupported)
}

// missingAttr builds the invalid-argument error for a modify call that
// omitted a field required by the target state.
func missingAttr(target QPState, bit AttrMask) error {
	return fmt.Errorf("transition to %s requires %s: %w", target, attrMaskNames[bit], ErrInvalidArgument)
}
