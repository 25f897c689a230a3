package exchange

import (
	"errors"
	"fmt"
)

// The client reports failures in three distinguishable classes so callers
// can tell "the order maybe happened" from "the order definitely failed":
//
//   - NetworkError: no response was received. The request may or may not
//     have reached the exchange; order placement must be reconciled via a
//     position snapshot, never blindly retried.
//   - ProtocolError: a response was received and the request was rejected.
//     The side effect did not happen; retrying is safe.
//   - AuthError: the credential was rejected and refreshing it failed.

// NetworkError wraps a transport-level failure with no response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a rejection carried in a well-formed response.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("exchange rejected request: code=%d message=%q", e.Code, e.Message)
}

// AuthError means the credential is invalid or expired and could not be
// refreshed. Fatal for the current session attempt.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrConnectivity resolves pending stream waiters when the connection that
// created them goes away.
var ErrConnectivity = errors.New("stream disconnected")

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
