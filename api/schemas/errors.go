package schemas

import "errors"

// Failure taxonomy for the engine. These are surfaced as structured results
// or wrapped sentinel errors; they never cross the contract boundary as
// panics.
var (
	// ErrCaptureFailure means a frame or markup snapshot could not be
	// obtained. The change gate treats this as "assume changed".
	ErrCaptureFailure = errors.New("capture failure")

	// ErrTargetNotFound means neither structural nor perceptual lookup
	// located the requested element.
	ErrTargetNotFound = errors.New("target not found")

	// ErrExecutionFailure means a driver or input call raised or timed out.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrVerificationFailure means a pre or post condition did not hold.
	ErrVerificationFailure = errors.New("verification failure")

	// ErrAbortTriggered means a global abort condition matched and the plan
	// halted immediately.
	ErrAbortTriggered = errors.New("abort triggered")

	// ErrInvalidPlan means the plan was rejected by validation before any
	// step executed.
	ErrInvalidPlan = errors.New("invalid plan")
)
