package pipeline

import "errors"

// ErrInvalidRequest is returned for a caller input that fails validation
// before any stage runs — an empty message, for example. It is the one
// error kind Assemble itself ever returns; every other failure degrades
// into the returned envelope instead of propagating.
var ErrInvalidRequest = errors.New("pipeline: invalid request")
