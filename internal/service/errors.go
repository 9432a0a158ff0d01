package service

import "errors"

// Errors returned by Registry.Call and Registry.Register.
//
//	if errors.Is(err, service.ErrServiceNotFound) {
//	    // report service_not_found
//	}
var (
	// ErrServiceNotFound is returned when no handler is bound to (domain, service).
	ErrServiceNotFound = errors.New("service: not found")

	// ErrInvalidData is returned when call data fails the service schema.
	// The wrapped *schema.ValidationError lists the failing fields.
	ErrInvalidData = errors.New("service: invalid data")

	// ErrUnauthorized is returned when a non-admin user calls an admin service.
	ErrUnauthorized = errors.New("service: unauthorized")

	// ErrServiceTimeout is returned when a blocking call exceeds its limit.
	ErrServiceTimeout = errors.New("service: timed out")

	// ErrInvalidName is returned when a domain or service name is malformed.
	ErrInvalidName = errors.New("service: invalid name")
)
