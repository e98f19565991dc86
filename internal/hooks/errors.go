package hooks

import "errors"

// ErrInvalidHook is returned by Create for input that fails validation.
var ErrInvalidHook = errors.New("invalid hook")
