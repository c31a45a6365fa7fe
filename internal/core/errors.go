package core

import (
	"errors"
	"fmt"
)

// Recoverable error classes. Actions that fail with one of these produce a
// structured error event on the originating connection; the connection
// itself stays open.
var (
	ErrAccessDenied        = errors.New("access denied")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	ErrDuplicateConnection = errors.New("connection already registered")
	ErrInvalidAgent        = fmt.Errorf("identity lacks agent role: %w", ErrAccessDenied)

	ErrRoomNotFound     = fmt.Errorf("room %w", ErrNotFound)
	ErrMessageNotFound  = fmt.Errorf("message %w", ErrNotFound)
	ErrIdentityNotFound = fmt.Errorf("identity %w", ErrNotFound)
	ErrNotAssigned      = fmt.Errorf("agent not assigned to room: %w", ErrInvalidState)
)
