package builder

import "errors"

// Each external failure source on the build path has its own sentinel, so
// callers can classify with errors.Is while the underlying cause stays
// attached through wrapping.
var (
	ErrExecutionRequest  = errors.New("execution API request failed")
	ErrEngineRequest     = errors.New("engine API request failed")
	ErrPayloadRejected   = errors.New("engine rejected the fallback payload")
	ErrInvalidEngineHint = errors.New("failed to parse hint from engine response")
	ErrEncodeTransaction = errors.New("failed to encode transaction")
	ErrMerkleization     = errors.New("merkleization failed")
	ErrSigning           = errors.New("bid signing failed")
	ErrInvalidJWTSecret  = errors.New("engine JWT secret must be 32 hex-encoded bytes")
)
