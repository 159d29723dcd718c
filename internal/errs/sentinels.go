// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Session and protocol sentinels.
var (
	// ErrIdentityMismatch indicates a channel was attached to a session of another peer.
	ErrIdentityMismatch = errors.New("identity mismatch")

	// ErrNoActiveChannel indicates the session has no attached transport to send on.
	ErrNoActiveChannel = errors.New("no active channel")

	// ErrMalformedPayload indicates a frame or JSON body could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownSubOpcode indicates a DATA packet with a sub-opcode nobody handles.
	ErrUnknownSubOpcode = errors.New("unknown sub-opcode")

	// ErrClosed indicates the session or channel has been closed.
	ErrClosed = errors.New("closed")
)

// Storage and auth sentinels.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication of a peer.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary pairing lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")
)
