package billing

import "errors"

var (
	ErrInvalidIntent        = errors.New("invalid purchase intent")
	ErrUnknownProduct       = errors.New("unknown product")
	ErrActivePassExists     = errors.New("tourist pass already active")
	ErrCheckoutUnavailable  = errors.New("checkout unavailable")
	ErrInvalidServiceConfig = errors.New("invalid billing config")
)
