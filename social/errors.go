package social

import "errors"

// Sentinel errors surfaced to the API layer. Conflict-style errors mean
// "already in the desired state" and map to idempotent-friendly responses.
var (
	ErrSelfTarget     = errors.New("social: cannot target yourself")
	ErrBlocked        = errors.New("social: interaction blocked")
	ErrAlreadyFriends = errors.New("social: already friends")
	ErrRequestPending = errors.New("social: request already pending")
	ErrAlreadyBlocked = errors.New("social: already blocked")
	ErrNotFound       = errors.New("social: not found")
	ErrExpired        = errors.New("social: request expired")
	ErrMessageTooLong = errors.New("social: message too long")
	ErrReasonTooLong  = errors.New("social: reason too long")
	ErrNotFriends     = errors.New("social: not friends")
)
