package room

import "errors"

var (
	// ErrNotFound covers both an absent room id and a closed room: once a
	// room is deactivated every later operation on its id reports it gone.
	ErrNotFound = errors.New("room not found")

	// ErrForbidden is returned when a non-host attempts a host-only action.
	ErrForbidden = errors.New("only the host may do that")
)
