// Package errs defines the sentinel errors and wire-level error codes the
// network service surfaces, kept separate from netfabric itself so both
// the server and agent-side packages can compare against them without an
// import cycle.
package errs

import "errors"

// Admission errors, returned in a hello_ack{accepted:false, reason} and
// followed by a connection close.
var (
	ErrAgentIDInUse       = errors.New("AgentIDInUse")
	ErrInvalidCertificate = errors.New("InvalidCertificate")
	ErrExpiredCertificate = errors.New("ExpiredCertificate")
)

// Routing errors, surfaced as an error frame back to the sender; the
// connection is never closed for these.
var (
	ErrUndeliverable = errors.New("Undeliverable")
	ErrModUnknown    = errors.New("ModUnknown")
)

// ErrBadEnvelope mirrors message.BadEnvelope as a sentinel so callers can
// errors.Is against it regardless of which concrete type was returned.
var ErrBadEnvelope = errors.New("BadEnvelope")

// ErrConnectionLost is returned by the connector/runtime when the
// underlying transport connection ends, whether by remote close, local
// close, or I/O failure.
var ErrConnectionLost = errors.New("ConnectionLost")

// ErrIdentityServerUnavailable is returned for claim_agent_id when the
// identity manager can't be reached (e.g. a decentralized node acting
// without a locally authoritative manager for the target id).
var ErrIdentityServerUnavailable = errors.New("IdentityServerUnavailable")

// Code maps an error surfaced on the wire to its spec-defined reason
// string, falling back to the error's own message for anything else.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAgentIDInUse):
		return "AgentIDInUse"
	case errors.Is(err, ErrInvalidCertificate):
		return "InvalidCertificate"
	case errors.Is(err, ErrExpiredCertificate):
		return "ExpiredCertificate"
	case errors.Is(err, ErrUndeliverable):
		return "Undeliverable"
	case errors.Is(err, ErrModUnknown):
		return "ModUnknown"
	case errors.Is(err, ErrBadEnvelope):
		return "BadEnvelope"
	case errors.Is(err, ErrIdentityServerUnavailable):
		return "IdentityServerUnavailable"
	default:
		return err.Error()
	}
}
