// Package probe implements the tool subsystem used by stars. A probe is a
// named Go function with a JSON schema describing its arguments. Probes are
// registered in code only, exactly once per Registry; a second registration
// of the same name fails with a *core.DuplicateProbeError naming both
// registration sites while the first registration stays authoritative.
//
// Calls validate arguments against the input schema and normalize failures
// into *Error values carrying one of the codes VALIDATION_ERROR,
// EXECUTION_ERROR or NOT_FOUND.
package probe
