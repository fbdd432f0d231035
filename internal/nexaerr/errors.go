// Package nexaerr defines the error kinds shared by the control plane.
//
// Components return one of the sentinel errors below, usually wrapped with
// context via fmt.Errorf("...: %w", err). Transport layers (the agent
// connection server and the HTTP API) turn any such error into a wire kind
// and status code with Kind and Status, so a caller always sees a definite,
// typed rejection instead of a generic failure.
package nexaerr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
)

var (
	// ErrProtocol marks a malformed or unknown message. Connection-local.
	ErrProtocol = errors.New("protocol error")

	// ErrNotFound marks an unknown agent, task or node id.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID marks a registration whose id is held by a live agent.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNoEligibleAgent means no agent advertises the required capability.
	ErrNoEligibleAgent = errors.New("no eligible agent")

	// ErrOverloaded means every eligible agent or connection slot is at its cap.
	ErrOverloaded = errors.New("overloaded")

	// ErrRateLimitExceeded means the charge would exceed the window limit.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrNoQuorum means a cluster-mutating operation was attempted without a
	// reachable majority.
	ErrNoQuorum = errors.New("no quorum")

	// ErrTimeout marks a network call that exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrUnreachable marks an agent or node that missed its heartbeat
	// threshold.
	ErrUnreachable = errors.New("unreachable")

	// ErrInvalidState marks a task transition that does not apply to the
	// task's current state, such as completing a task that was requeued.
	ErrInvalidState = errors.New("invalid state")
)

// kinds pairs each sentinel with its wire name and HTTP-style status.
var kinds = []struct {
	err    error
	name   string
	status int
}{
	{ErrProtocol, "ProtocolError", http.StatusBadRequest},
	{ErrNotFound, "NotFound", http.StatusNotFound},
	{ErrDuplicateID, "DuplicateId", http.StatusConflict},
	{ErrNoEligibleAgent, "NoEligibleAgent", http.StatusUnprocessableEntity},
	{ErrOverloaded, "Overloaded", http.StatusServiceUnavailable},
	{ErrRateLimitExceeded, "RateLimitExceeded", http.StatusTooManyRequests},
	{ErrNoQuorum, "NoQuorum", http.StatusServiceUnavailable},
	{ErrTimeout, "Timeout", http.StatusGatewayTimeout},
	{ErrUnreachable, "Unreachable", http.StatusBadGateway},
	{ErrInvalidState, "InvalidState", http.StatusConflict},
}

// Kind returns the wire name for err ("NotFound", "NoQuorum", ...). Errors
// outside the taxonomy map to "Internal"; nil maps to "".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if IsTimeout(err) {
		return "Timeout"
	}
	return "Internal"
}

// Status returns the HTTP-style status code for err. nil is 200.
func Status(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	if IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// FromKind maps a wire name back to its sentinel. Used by clients decoding
// error responses. Unknown names return nil.
func FromKind(name string) error {
	for _, k := range kinds {
		if k.name == name {
			return k.err
		}
	}
	return nil
}

// IsTimeout reports whether err is a deadline failure: ErrTimeout, an
// expired context, or a net.Error that timed out.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
