package forwarder

import "errors"

var (
	// ErrNoUpstreams is returned when the forwarder has nowhere to send a question
	ErrNoUpstreams = errors.New("no upstream DNS servers configured")

	// ErrNotForwardable is returned for question types outside the allowed set
	ErrNotForwardable = errors.New("question type is not forwarded")

	// ErrTimeout is returned when no upstream answered within the timeout
	ErrTimeout = errors.New("upstream query timed out")

	// ErrUpstreamFailure is returned when every attempted upstream failed
	ErrUpstreamFailure = errors.New("upstream query failed")

	// ErrNegativeAnswer is returned when the upstream answered with an error rcode such as NXDOMAIN
	ErrNegativeAnswer = errors.New("upstream returned a negative answer")
)
