package supervision

import "errors"

// Error taxonomy for the hub. All of these are handled locally by the hub;
// only final chain outcomes are surfaced to the submitting agent.
var (
	// ErrUnknownRequest means a result referenced a request that does not
	// exist or is already terminal. Reported to the sender, not fatal.
	ErrUnknownRequest = errors.New("unknown supervision request")

	// ErrDuplicateResult means a result already exists for the request.
	// The second submission is rejected, never overwritten.
	ErrDuplicateResult = errors.New("duplicate supervision result")

	// ErrNoEligibleSupervisor means an escalate decision landed on the last
	// chain position. The hub degrades it to a reject.
	ErrNoEligibleSupervisor = errors.New("no eligible supervisor")

	// ErrClientDisconnected means a reviewer connection was lost mid-flight.
	// The in-flight request is requeued, nothing is surfaced to the agent.
	ErrClientDisconnected = errors.New("reviewer client disconnected")

	// ErrMalformedMessage means a socket message was missing required
	// fields. The message is dropped with a connection-level nack.
	ErrMalformedMessage = errors.New("malformed message")
)
