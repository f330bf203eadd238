package engine

import "fmt"

// ConnectivityError reports that no connection to the engine endpoint could
// be established or re-established. It is fatal to the current call; retry
// policy belongs to the caller, not this layer.
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot connect to engine at %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// NotFoundError reports that the referenced container or image did not exist
// at call time. References are resolved against the live engine on every
// call; nothing is cached.
type NotFoundError struct {
	Kind string // "container" or "image"
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

// PolicyViolation reports that the validation guard denied the request. The
// mutating call was never attempted.
type PolicyViolation struct {
	Operation string
	Reason    string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("operation %s denied by policy: %s", e.Operation, e.Reason)
}

// EngineOperationError reports that the engine accepted the call but the
// operation itself failed. The engine's message is preserved verbatim.
type EngineOperationError struct {
	Operation string
	Err       error
}

func (e *EngineOperationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *EngineOperationError) Unwrap() error { return e.Err }
