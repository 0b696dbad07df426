package server

import "errors"

var (
	ErrServerStartFailed = errors.New("failed to start server")
	ErrAlreadyStarted    = errors.New("dispatcher already started")
	ErrNoMirror          = errors.New("namespace change received without a mirror")
)
