//go:build !cgo
// +build !cgo

package model

import "errors"

// ErrCGORequired is returned when SPADnet is built without CGO support.
var ErrCGORequired = errors.New("SPADnet requires CGO support; rebuild with CGO_ENABLED=1 or use the LogArgmax model")

func init() {
	Register(SPADnetName, func(opts Options) (Model, error) {
		return nil, ErrCGORequired
	})
}
