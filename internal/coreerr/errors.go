// Package coreerr defines the typed error taxonomy used across the core,
// broker, and coordinator packages, so callers can distinguish failure
// classes with errors.As instead of string matching.
package coreerr

import (
	"fmt"

	"github.com/tenzoki/agen/coresim/internal/envelope"
)

// RegistrationError reports a problem registering a federate or interface:
// duplicate name, unknown kind, registration after the allowed phase.
type RegistrationError struct {
	Kind string
	Key  string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration: %s %q: %v", e.Kind, e.Key, e.Err)
}
func (e *RegistrationError) Unwrap() error { return e.Err }

// CausalityError reports a time-coordination invariant violation: a grant
// that would move a federate's time backward, or a delivery that would
// arrive before the federate's current granted time. It is always fatal to
// the federate named by Federate (spec.md §4.5 step 3, §8 causality guard).
type CausalityError struct {
	Federate envelope.GlobalFederateId
	Message  string
}

func (e *CausalityError) Error() string {
	return fmt.Sprintf("causality violation for federate %d: %s", e.Federate, e.Message)
}

// TransportError wraps a failure from a transport adapter (inproc or tcp),
// keeping the adapter name and underlying cause for diagnosis.
type TransportError struct {
	Adapter string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport[%s] %s: %v", e.Adapter, e.Op, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or out-of-sequence ActionMessage: a
// decode failure, an action that requires an Extra block that lacks one,
// or an action arriving in a state that does not permit it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Reason) }

// ResourceError reports exhaustion of a bounded resource: a mailbox or IPC
// ring that is full, a handle space exhausted, a profiler buffer that
// cannot flush fast enough.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource exhausted: %s: %v", e.Resource, e.Err)
}
func (e *ResourceError) Unwrap() error { return e.Err }
