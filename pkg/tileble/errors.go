package tileble

import (
	"errors"
	"fmt"

	"github.com/commatea/tileble-adapter/internal/bgapi"
)

// Kind classifies an Error so callers can branch without string
// matching.
type Kind int

const (
	KindTransportLost Kind = iota
	KindTimeout
	KindInvalidArgument
	KindProtocolViolation
	KindDeviceRejected
	KindEarlyDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindTransportLost:
		return "transport_lost"
	case KindTimeout:
		return "timeout"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindDeviceRejected:
		return "device_rejected"
	case KindEarlyDisconnect:
		return "early_disconnect"
	default:
		return "unknown"
	}
}

// Error is the typed error every synchronous facade call returns.
// Errors inside the dongle worker never propagate as Go panics or
// unwound call stacks — they become callback results internally, and
// are translated to Error only at the facade boundary a sync caller
// sees. Err, when set, is the underlying bgapi-layer error (typically
// bgapi.ErrTimeout or bgapi.ErrTransportLost); Unwrap exposes it so
// callers can errors.Is/As against both the typed Kind and the
// wrapped transport error.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tileble: %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// newErrorFromResult builds an Error from a failed bgapi.Result,
// wrapping result.Err and promoting it to KindTimeout when the
// failure was a command timeout rather than fallback's own kind.
func newErrorFromResult(result bgapi.Result, fallback Kind, reason string) *Error {
	kind := fallback
	if errors.Is(result.Err, bgapi.ErrTimeout) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Reason: reason, Err: result.Err}
}
