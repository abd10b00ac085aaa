package vcpu

import (
	"errors"
	"fmt"

	"github.com/set-io/vtx/hypervisor/vmx"
)

var (
	ErrState             = errors.New("invalid vcpu state")
	ErrVMXUnavailable    = errors.New("vmx operation not available")
	ErrInjectionPending  = errors.New("an event injection is already pending")
	ErrInvalidInterrupt  = errors.New("invalid interrupt descriptor")
	ErrNotInExit         = errors.New("not handling a vm exit")
	ErrLaunchUnconfirmed = errors.New("first exit after launch did not confirm the launch")
)

// EntryError reports a VM entry that failed the processor's guest-state
// checks and returned with the entry-failure bit set.
type EntryError struct {
	Reason        vmx.ExitReason
	Qualification uint64
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("vm entry failed: %s (qualification %#x)", e.Reason, e.Qualification)
}

// FieldError records a VMREAD or VMWRITE that failed while the VCPU
// accessed field.
type FieldError struct {
	Field vmx.Field
	Write bool
	Err   error
}

func (e *FieldError) Error() string {
	op := "vmread"
	if e.Write {
		op = "vmwrite"
	}
	return fmt.Sprintf("%s %s: %v", op, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }
