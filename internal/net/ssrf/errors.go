// Package ssrf blocks plugin-initiated network.fetch calls (spec §4.3,
// §4.5) from reaching internal infrastructure: loopback, link-local,
// cloud metadata endpoints, and hostnames that resolve to a private
// address only after DNS rebinding. internal/guard checks the cheap,
// literal-hostname case at grant-check time; internal/syscall's
// networkFetch calls ValidatePublicHostname, which resolves the
// hostname, immediately before the live request goes out.
package ssrf

// SSRFBlockedError is returned when a hostname or IP address is blocked
// due to SSRF protection rules.
type SSRFBlockedError struct {
	Message string
}

// Error implements the error interface.
func (e *SSRFBlockedError) Error() string {
	return e.Message
}

// NewSSRFBlockedError creates a new SSRFBlockedError with the given message.
func NewSSRFBlockedError(message string) *SSRFBlockedError {
	return &SSRFBlockedError{Message: message}
}
