package auth

import "errors"

// Sentinel errors surfaced by user stores. Services translate these into
// user-facing messages.
var (
	// ErrUsernameTaken is returned when a username collides with an
	// existing account, including insert races resolved by the unique
	// index.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrUserNotFound is returned when an operation targets a missing
	// account.
	ErrUserNotFound = errors.New("user not found")
)
