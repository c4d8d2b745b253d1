package approval

import "errors"

// Error taxonomy shared by every queue, the staging service and the decision
// intake. Callers match with [errors.Is]; each site wraps with its own
// "pkg: op:" prefix.
var (
	// ErrNotFound means the request id (or region, or NPC) is unknown. It is
	// never retried.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved means another party won the decision race for this
	// request. Callers treat it as success by someone else.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrGenerationFailure marks an LLM or asset adapter error or timeout.
	ErrGenerationFailure = errors.New("generation failure")

	// ErrTerminallyFailed means the human-approval retry budget is spent. The
	// DM must regenerate with new guidance, take over, or discard.
	ErrTerminallyFailed = errors.New("terminally failed")

	// ErrBackpressure is returned immediately when a bounded queue is at
	// capacity.
	ErrBackpressure = errors.New("queue at capacity")

	// ErrInvalidDecision is returned when a decision carries content of the
	// wrong type for the queue, or is nil.
	ErrInvalidDecision = errors.New("invalid decision")
)
