package zmq

import "errors"

// Transport errors are always recoverable by the caller via retry or
// reconnect. A timeout means no answer arrived in time; it does not mean
// the job failed.
var (
	ErrTimeout = errors.New("transport: timed out waiting for response")
	ErrClosed  = errors.New("transport: client closed")
)

// TransportError wraps socket and codec failures crossing the wire boundary.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
