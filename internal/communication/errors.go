package communication

import "errors"

var (
	ErrServerStartFailed  = errors.New("failed to start server")
	ErrClientCreateFailed = errors.New("failed to create client")
	ErrMessageSendFailed  = errors.New("failed to send message")
	ErrStopped            = errors.New("communicator stopped")
	ErrInvalidRank        = errors.New("rank outside the group")
	ErrSizeMismatch       = errors.New("collective contribution has unexpected size")
	ErrShortMessage       = errors.New("message shorter than its fixed layout")
	ErrUnknownRequest     = errors.New("unknown request type")
	ErrNameTooLong        = errors.New("name does not fit the fixed-size field")
)
