package sequencer

import "errors"

var (
	ErrOutOfOrder     = errors.New("request sequence number out of order")
	ErrNotHeld        = errors.New("release without a matching grant")
	ErrMalformedGrant = errors.New("malformed sequencer message")
)
