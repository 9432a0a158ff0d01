package state

import "errors"

var (
	// ErrInvalidEntityID is returned when an entity id is not "<domain>.<object_id>"
	// using lowercase letters, digits and underscores.
	ErrInvalidEntityID = errors.New("state: invalid entity id")

	// ErrInvalidState is returned when a state value exceeds MaxStateLength.
	ErrInvalidState = errors.New("state: invalid state value")

	// ErrInvalidAttributes is returned when attributes cannot be encoded as JSON.
	ErrInvalidAttributes = errors.New("state: attributes are not JSON serialisable")
)
