package ept

import "errors"

var (
	ErrMisconfigured = errors.New("ept misconfiguration")
	ErrUnaligned     = errors.New("ept mapping not page aligned")
	ErrMapped        = errors.New("guest-physical range already mapped")
	ErrMemoryType    = errors.New("unknown memory type")
	ErrDestroyed     = errors.New("ept root destroyed")
	ErrNotMapped     = errors.New("guest-physical address not mapped")
)
