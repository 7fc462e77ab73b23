package domain

import "errors"

var (
	// ErrInvalidTransition rejects a state change that is not an edge of
	// the order flow. No event is emitted and the order is unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnauthorized rejects a room join; the connection stays open.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAuthFailure rejects a handshake; the transport is closed.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrConflict signals a lost optimistic-concurrency race on an order.
	ErrConflict = errors.New("order state conflict")
)
