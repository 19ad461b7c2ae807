package server

import "errors"

var (
	ErrServerAlreadyRunning = errors.New("server already running")

	// ErrMissingRelayPubkey is returned if a new RelayEntry URL has no public key.
	ErrMissingRelayPubkey = errors.New("missing relay public key")

	// ErrInvalidLengthPubkey is returned if a RelayEntry public key is not 48 bytes.
	ErrInvalidLengthPubkey = errors.New("relay public key must be 48 bytes")

	// ErrPointAtInfinityPubkey is returned if a new RelayEntry URL has an all-zero public key.
	ErrPointAtInfinityPubkey = errors.New("relay public key cannot be the point-at-infinity")
)

// Commitment submission failures. The first three are client-correctable, the
// rest are server-side.
var (
	ErrMalformedRequest = errors.New("malformed commitment request")
	ErrSignerMismatch   = errors.New("commitment signature does not match the transaction sender")
	ErrDuplicateRequest = errors.New("duplicate: the same request already exists")
	ErrValidatorIndex   = errors.New("failed to resolve validator index for slot")
	ErrSigning          = errors.New("failed to sign constraints message")
	ErrRelayRequest     = errors.New("relay request failed")
)
