package collective_io

import "errors"

var (
	// ErrProtocolDesync means the ranks no longer agree on the request
	// stream. The engine cannot continue.
	ErrProtocolDesync = errors.New("collective protocol out of sync")
	ErrTerminated     = errors.New("engine terminated")
	ErrFatal          = errors.New("engine in terminal state")
	ErrInvalidRole    = errors.New("rank cannot initiate in this model")
	ErrUnexpected     = errors.New("request type not served by the engine")
)
