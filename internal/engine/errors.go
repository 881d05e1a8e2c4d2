package engine

import "errors"

var (
	// ErrUnauthorizedAuthority is returned when a settlement payload is
	// signed by anything other than the configured settlement authority.
	ErrUnauthorizedAuthority = errors.New("unauthorized settlement authority")

	// ErrUnauthorizedParticipant is returned when a settlement references
	// an account that is neither a member of the batch nor the escrow.
	ErrUnauthorizedParticipant = errors.New("participant not in batch")

	// ErrUnknownOpType is returned for op types the dispatcher has no
	// handler for.
	ErrUnknownOpType = errors.New("unknown op type")
)
