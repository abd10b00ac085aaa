package sim

import (
	"errors"
	"fmt"

	"github.com/set-io/vtx/hypervisor/ia32"
)

var (
	ErrHalted         = errors.New("processor halted")
	ErrStepLimit      = errors.New("instruction step limit reached")
	ErrTripleFault    = errors.New("triple fault")
	ErrBadAddress     = errors.New("physical address not backed by memory")
	ErrInvalidOpcode  = errors.New("invalid opcode")
	ErrGeneralFault   = errors.New("general protection fault")
	ErrUnknownMSR     = errors.New("unknown msr")
	ErrDataLenInvalid = errors.New("invalid data size on port")
	ErrWriteToCF9     = errors.New("power cycle via 0xcf9")
	ErrPortInUse      = errors.New("io port already registered")
	ErrNoRoom         = errors.New("no room for code")
)

// fault is an exception raised while executing an instruction. It is
// delivered through the IDT or turned into a VM exit.
type fault struct {
	vector  ia32.Vector
	code    uint32
	hasCode bool
	// addr is the faulting linear address of a page fault.
	addr uint64
}

func (f *fault) Error() string {
	if f.hasCode {
		return fmt.Sprintf("%v (error code %#x)", f.vector, f.code)
	}
	return f.vector.String()
}

func raise(v ia32.Vector) error { return &fault{vector: v} }

func raiseCode(v ia32.Vector, code uint32) error {
	return &fault{vector: v, code: code, hasCode: true}
}

func pageFault(addr uint64, code ia32.PageFaultError) error {
	return &fault{vector: ia32.PageFault, code: uint32(code), hasCode: true, addr: addr}
}

// exitRequest ends guest execution with a VM exit.
type exitRequest struct {
	exit vmexit
}

func (e *exitRequest) Error() string { return fmt.Sprintf("vm exit: %v", e.exit.reason) }
