package tunnel

import "errors"

// Error categories surfaced to callers (spec §7).
var (
	// ErrConfigurationRefused is returned when a mode setter is called
	// after RunAsync/Transmit, or a relay/client transition conflicts
	// with the tunnel's current role.
	ErrConfigurationRefused = errors.New("tunnel: configuration refused")

	// ErrBindFailed is returned when the UDP socket cannot bind to the
	// requested address.
	ErrBindFailed = errors.New("tunnel: bind failed")

	// ErrSocketCreate is returned when the UDP socket cannot be created.
	ErrSocketCreate = errors.New("tunnel: socket create failed")

	// ErrResourceExhausted is the resource-exhaustion error category.
	// Transmit returns it for a packet shorter than the 40-byte IPv6
	// header; a full peer list does not produce it, since the list evicts
	// entries instead.
	ErrResourceExhausted = errors.New("tunnel: resource exhausted")

	// ErrNetwork is returned on persistent UDP send failure.
	ErrNetwork = errors.New("tunnel: network error")

	// ErrNotQualified is never returned from Transmit (spec §7: reported
	// via the ICMPv6-unreachable callback, not as an API error); it is
	// exposed for internal classification and tests.
	ErrNotQualified = errors.New("tunnel: not qualified")

	// ErrAlreadyRunning is returned by RunAsync if called twice.
	ErrAlreadyRunning = errors.New("tunnel: already running")
)

// retryableErrno lists the transient send errors that the failure-handling
// policy (spec §4.7) retries in-process rather than treating as fatal.
var retryableErrno = map[string]bool{
	"network is unreachable":  true, // ENETUNREACH
	"no route to host":        true, // EHOSTUNREACH
	"protocol not available":  true, // ENOPROTOOPT
	"connection refused":      true, // ECONNREFUSED
	"operation not supported": true, // EOPNOTSUPP
	"host is down":            true, // EHOSTDOWN
	"machine is not on the network": true, // ENONET
}

// maxSendRetries is the in-process retry ceiling for transient send
// failures (spec §4.7).
const maxSendRetries = 10
