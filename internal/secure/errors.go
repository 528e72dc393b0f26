package secure

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrInvalidArbitrationID = errors.New("secure: invalid arbitration id")
	ErrMalformedMessage     = errors.New("secure: malformed message")
	ErrMalformedFrame       = errors.New("secure: malformed frame")
	ErrFDDisabled           = errors.New("secure: message needs an FD frame but FD is disabled")
	ErrNoFreeAddress        = errors.New("secure: no free address to claim")
	ErrTransportWrite       = errors.New("secure: transport write")
	ErrTransportRead        = errors.New("secure: transport read")
	ErrKey                  = errors.New("secure: key provider")
)
