package hypervisor

import "errors"

var (
	ErrRunning            = errors.New("hypervisor is already running")
	ErrNotRunning         = errors.New("hypervisor is not running")
	ErrInvalidConfig      = errors.New("invalid hypervisor configuration")
	ErrNotEnoughProcessor = errors.New("not enough logical processors")
	ErrUnknownHook        = errors.New("unknown hook name")
)
