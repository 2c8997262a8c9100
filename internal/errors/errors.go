// Package errors defines the error taxonomy shared across the effect runner.
//
// Errors carry a Kind so callers can switch on failure category without
// parsing strings, matching the failure taxonomy the core promises callers:
// secret failures name a destination, never a secret's contents; protocol
// failures carry the worker's rendered text.
package errors

import "fmt"

// Kind identifies a category of effect-run failure.
type Kind string

const (
	// KindSecretsFileUnparseable means the configured secrets file exists but
	// could not be decoded.
	KindSecretsFileUnparseable Kind = "SECRETS_FILE_UNPARSEABLE"

	// KindSecretAccessDenied means a secret lookup missed, or its condition
	// evaluated false.
	KindSecretAccessDenied Kind = "SECRET_ACCESS_DENIED"

	// KindSecretConditionMissing means strict mode requires a condition and
	// none was present on the secret.
	KindSecretConditionMissing Kind = "SECRET_CONDITION_MISSING"

	// KindDaemonExitedBeforeReady means the daemon-proxy child process exited
	// while still in the Spawning state.
	KindDaemonExitedBeforeReady Kind = "DAEMON_EXITED_BEFORE_READY"

	// KindDaemonShutdownTimeout is non-fatal; it is logged, not returned as a
	// run failure.
	KindDaemonShutdownTimeout Kind = "DAEMON_SHUTDOWN_TIMEOUT"

	// KindConcurrentBuildDenied means the shortcut-build invariant (at most
	// one in-flight build per derivation path) was violated.
	KindConcurrentBuildDenied Kind = "CONCURRENT_BUILD_DENIED"

	// KindBuildException means a shortcut build failed, or its output stayed
	// unavailable after a reported success.
	KindBuildException Kind = "BUILD_EXCEPTION"

	// KindProtocolUnexpectedStartingCommand means a worker's first command
	// was not Eval or Build.
	KindProtocolUnexpectedStartingCommand Kind = "PROTOCOL_UNEXPECTED_STARTING_COMMAND"

	// KindLogDrainTimeout is fatal: the log-push drain exceeded its deadline.
	KindLogDrainTimeout Kind = "LOG_DRAIN_TIMEOUT"

	// KindFatal is a catch-all for infrastructure invariant violations.
	KindFatal Kind = "FATAL_ERROR"

	// KindContainerSpec covers Container Runner failures detected before the
	// runtime is launched (a missing bind-mount source). Failures writing the
	// spec or spawning the runtime are reported as KindFatal.
	KindContainerSpec Kind = "CONTAINER_SPEC_ERROR"

	// KindInvariantViolation marks a broken caller contract or internal
	// consistency check: a programming error, not a recoverable run failure.
	KindInvariantViolation Kind = "INVARIANT_VIOLATION"
)

// EffectError is a structured error carrying a Kind plus contextual fields.
// Destination names are safe to include; secret contents never are.
type EffectError struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

// New creates an EffectError with no cause.
func New(kind Kind, message string) *EffectError {
	return &EffectError{Kind: kind, Message: message, Context: map[string]any{}}
}

// Wrap creates an EffectError wrapping cause.
func Wrap(kind Kind, message string, cause error) *EffectError {
	return &EffectError{Kind: kind, Message: message, Cause: cause, Context: map[string]any{}}
}

// WithContext attaches a diagnostic field and returns the same error for
// chaining.
func (e *EffectError) WithContext(key string, value any) *EffectError {
	e.Context[key] = value
	return e
}

// Error implements error.
func (e *EffectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/As to see through to the cause.
func (e *EffectError) Unwrap() error {
	return e.Cause
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ee *EffectError
	for err != nil {
		if e, ok := err.(*EffectError); ok {
			ee = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return ee != nil && ee.Kind == kind
}
