package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when state mirroring is off.
	ErrDisabled = errors.New("influxdb: state mirroring disabled")

	// ErrUnreachable means the server did not answer the startup ping.
	ErrUnreachable = errors.New("influxdb: server unreachable")

	// ErrUnhealthy means the server answered but is not ready for writes.
	ErrUnhealthy = errors.New("influxdb: server not ready")

	// ErrClosed is reported by HealthCheck once the client is closed.
	ErrClosed = errors.New("influxdb: client closed")

	// ErrRejected wraps every asynchronous batch failure passed to the
	// SetOnError callback.
	ErrRejected = errors.New("influxdb: state batch rejected")
)
