// Package herrors defines the engine's error taxonomy. Each kind carries
// its own propagation policy (see the package doc on each type); the
// dispatcher and source pools use errors.As to decide whether a chain
// terminates, an entry is skipped, or a source retries in the background.
package herrors

import "fmt"

// kindError is the shared shape behind every typed error in this package:
// an operation name, a human detail, and an optional wrapped cause.
type kindError struct {
	kind   string
	op     string
	detail string
	err    error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.kind, e.op, e.detail, e.err)
	}
	return fmt.Sprintf("%s: %s: %s", e.kind, e.op, e.detail)
}

func (e *kindError) Unwrap() error { return e.err }

// ConfigError reports an invalid configuration document. Fatal at load:
// the process must not start with one of these pending.
type ConfigError struct{ *kindError }

// NewConfig builds a ConfigError for operation op with the given detail.
func NewConfig(op, detail string, err error) *ConfigError {
	return &ConfigError{&kindError{kind: "config", op: op, detail: detail, err: err}}
}

// ResolveError reports an unknown or unresolved event successor. The
// chain that produced it terminates; nothing else is affected.
type ResolveError struct{ *kindError }

// NewResolve builds a ResolveError for operation op with the given detail.
func NewResolve(op, detail string, err error) *ResolveError {
	return &ResolveError{&kindError{kind: "resolve", op: op, detail: detail, err: err}}
}

// RenderError reports a template parse or render failure. The chain that
// triggered the render terminates.
type RenderError struct{ *kindError }

// NewRender builds a RenderError for operation op with the given detail.
func NewRender(op, detail string, err error) *RenderError {
	return &RenderError{&kindError{kind: "render", op: op, detail: detail, err: err}}
}

// EffectError reports a failure while performing an event's effect (MQTT
// disconnect, non-2xx HTTP response, non-zero subprocess exit, file
// error). The chain terminates; the error is logged, never retried.
type EffectError struct{ *kindError }

// NewEffect builds an EffectError for operation op with the given detail.
func NewEffect(op, detail string, err error) *EffectError {
	return &EffectError{&kindError{kind: "effect", op: op, detail: detail, err: err}}
}

// SourceError reports a recoverable failure in a stimulus source (MQTT
// reconnect, watcher setup). Never fatal: the source retries with
// backoff (see internal/connwatch) and the process keeps running.
type SourceError struct{ *kindError }

// NewSource builds a SourceError for operation op with the given detail.
func NewSource(op, detail string, err error) *SourceError {
	return &SourceError{&kindError{kind: "source", op: op, detail: detail, err: err}}
}

// RestoreError reports a corrupt restore-log entry. Only that entry is
// skipped; the rest of the log still replays.
type RestoreError struct{ *kindError }

// NewRestore builds a RestoreError for operation op with the given detail.
func NewRestore(op, detail string, err error) *RestoreError {
	return &RestoreError{&kindError{kind: "restore", op: op, detail: detail, err: err}}
}
