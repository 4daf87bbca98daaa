package redis

import "errors"

// Redis-specific errors.
var (
	// ErrKeyRequired is returned when an operation is given an empty key.
	ErrKeyRequired = errors.New("redis: key is required")

	// ErrUnexpectedReply is returned when a script replies with a type it
	// never produces.
	ErrUnexpectedReply = errors.New("redis: unexpected script reply")
)
