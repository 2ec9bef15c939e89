package booking

import "errors"

var (
	ErrUnknownClass         = errors.New("unknown class")
	ErrUnknownBooking       = errors.New("unknown booking")
	ErrClassStarted         = errors.New("class already started")
	ErrClassFull            = errors.New("class full")
	ErrDuplicateBooking     = errors.New("duplicate booking")
	ErrAlreadyCancelled     = errors.New("booking already cancelled")
	ErrAlreadyAttended      = errors.New("booking already attended")
	ErrInvalidServiceConfig = errors.New("invalid booking service config")
)
