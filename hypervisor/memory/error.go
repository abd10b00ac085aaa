package memory

import "errors"

var (
	ErrExhausted  = errors.New("memory pool exhausted")
	ErrBadRequest = errors.New("invalid allocation request")
	ErrUnaligned  = errors.New("address not page aligned")
	ErrOutOfRange = errors.New("physical address outside pool")
	ErrClosed     = errors.New("memory pool closed")
)
