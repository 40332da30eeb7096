package basp

import "errors"

// Error kinds returned by the header codec, payload codec, and instance
// dispatcher. Connection-local-fatal kinds (MalformedFrame,
// PayloadDecodeFailure, AppIdentifierMismatch) are wrapped with context by
// the call site before the connection is closed; NoRoute during forwarding
// or Dispatch is reported through Hooks, and WriteFailure is logged by the
// Instance call site that received it.
var (
	ErrMalformedFrame        = errors.New("basp: malformed frame")
	ErrPayloadDecodeFailure  = errors.New("basp: payload decode failure")
	ErrAppIdentifierMismatch = errors.New("basp: app identifier mismatch")
	ErrNoRoute               = errors.New("basp: no route")
	ErrWriteFailure          = errors.New("basp: write failure")
)
