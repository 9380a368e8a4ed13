package mac

import "errors"

// Sentinel errors surfaced by the public facade, per spec.md §7.
var (
	ErrParameterInvalid = errors.New("mac: parameter invalid")
	ErrBusy             = errors.New("mac: busy")
	ErrNoActiveSession  = errors.New("mac: no active session")
	ErrWouldBlock       = errors.New("mac: would block")
	ErrDeviceOff        = errors.New("mac: device off")
	ErrLengthError      = errors.New("mac: length error")
	ErrCryptoFail       = errors.New("mac: crypto fail")
	ErrServiceUnknown   = errors.New("mac: service unknown")
)
