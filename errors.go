package fastcgi

import "errors"

// Sentinel errors. Callers should compare against these with errors.Is;
// internal code wraps them with context via fmt.Errorf("...: %w", ...).
var (
	// ErrClosed is returned by socket and transceiver operations once the
	// underlying connection has been torn down, locally or by the peer.
	ErrClosed = errors.New("fastcgi: socket closed")

	// ErrProtocol marks a malformed or out-of-order record sequence.
	ErrProtocol = errors.New("fastcgi: protocol violation")

	// ErrTooLarge marks a post body that exceeded the configured
	// maxPostSize for its request.
	ErrTooLarge = errors.New("fastcgi: post body exceeds limit")

	// ErrUnknownRole marks a BEGIN_REQUEST asking for a role other than
	// responder or authorizer.
	ErrUnknownRole = errors.New("fastcgi: unsupported role")

	// ErrUnknownContentType marks a post body whose Content-Type this
	// package's built-in decoder does not understand and no inProcessor
	// claimed.
	ErrUnknownContentType = errors.New("fastcgi: unknown content type")
)
