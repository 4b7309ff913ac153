package common

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut is returned when an operation or waiter exceeds its
	// deadline. The target object remains usable afterwards.
	ErrTimedOut = errors.New("timed out")

	// ErrTransportClosed is returned by Transport.Send after the
	// underlying stream has been closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrConnectionClosed fails every operation that is pending when
	// the connection shuts down, and every send attempted afterwards.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrObjectDisposed fails operations and waiters referencing a
	// remote object the driver has disposed.
	ErrObjectDisposed = errors.New("object disposed")

	// ErrUnknownObject is returned when looking up a guid that was
	// never created or is already disposed.
	ErrUnknownObject = errors.New("unknown object")

	// ErrRouteAlreadyHandled is returned by the second disposition of
	// an intercepted request. The first disposition stands.
	ErrRouteAlreadyHandled = errors.New("route already handled")

	// ErrFrameDetached fails navigation and evaluation on a frame that
	// has been removed from its page's frame tree.
	ErrFrameDetached = errors.New("frame detached")

	// ErrDuplicateResolution signals a programming error where a
	// pending operation would be resolved twice from the client side.
	ErrDuplicateResolution = errors.New("pending operation resolved twice")
)

// DriverError is an explicit error payload carried in a response
// message. The driver's message and JavaScript stack are preserved so
// the caller can surface them.
type DriverError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack"`
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	if e.Name != "" && e.Name != "Error" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// TimeoutError reports whether err is (or wraps) a timeout failure.
func TimeoutError(err error) bool {
	return errors.Is(err, ErrTimedOut)
}
