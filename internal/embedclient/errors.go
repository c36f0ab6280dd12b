package embedclient

import "errors"

// Sentinel error kinds surfaced by EmbedText, matched with errors.Is.
var (
	// ErrUpstreamUnavailable covers transport failures and non-2xx
	// responses from the embedding backend.
	ErrUpstreamUnavailable = errors.New("embedding backend unavailable")
	// ErrMalformedResponse covers a 2xx response that fails to decode or
	// whose embedding count does not match the request.
	ErrMalformedResponse = errors.New("embedding backend returned malformed response")
)
