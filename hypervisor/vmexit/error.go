package vmexit

import (
	"errors"
	"fmt"

	"github.com/set-io/vtx/hypervisor/vmx"
)

var (
	ErrUnhandledExit = errors.New("unhandled vm exit")
	ErrEPTViolation  = errors.New("ept violation")
	ErrEPTMisconfig  = errors.New("ept misconfiguration")
)

// ViolationError describes a guest-physical access the translation root
// did not allow.
type ViolationError struct {
	Err           error
	GPA           uint64
	Qualification vmx.EPTViolation
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%v at gpa %#x (qualification %#x)", e.Err, e.GPA, uint64(e.Qualification))
}

func (e *ViolationError) Unwrap() error { return e.Err }
