package block_service

import "errors"

var (
	ErrOutOfMemory    = errors.New("block arena exhausted")
	ErrForeignHandle  = errors.New("handle owned by another rank")
	ErrInvalidHandle  = errors.New("invalid block handle")
	ErrChunkTooLarge  = errors.New("chunk larger than block size")
	ErrMalformedTable = errors.New("handle table length is not a multiple of the record size")
)
