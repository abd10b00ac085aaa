package vcpu

import (
	"fmt"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// DeriveRIPAdjust asks Inject to take the entry instruction length from the
// exit instruction length of the current exit.
const DeriveRIPAdjust = -1

// MaxInstructionLength bounds the VM-entry instruction length.
const MaxInstructionLength = 15

// Interrupt describes an event to inject into the guest, or one the
// processor reported on exit. Values are immutable once constructed.
type Interrupt struct {
	info      vmx.InterruptionInfo
	errorCode uint32
	ripAdjust int
}

// NewInterrupt describes an event without an error code.
func NewInterrupt(t vmx.InterruptType, v ia32.Vector, ripAdjust ...int) Interrupt {
	return Interrupt{
		info:      vmx.NewInterruptionInfo(v, t, false, false),
		ripAdjust: adjust(ripAdjust),
	}
}

// NewException describes an exception that pushes errorCode. Supplying an
// error code for a vector that has none is corrected by Inject.
func NewException(t vmx.InterruptType, v ia32.Vector, errorCode uint32, ripAdjust ...int) Interrupt {
	return Interrupt{
		info:      vmx.NewInterruptionInfo(v, t, true, false),
		errorCode: errorCode,
		ripAdjust: adjust(ripAdjust),
	}
}

// interruptFromInfo builds a descriptor from interruption information
// reported by the processor.
func interruptFromInfo(info vmx.InterruptionInfo, errorCode uint32) Interrupt {
	i := Interrupt{info: info, ripAdjust: DeriveRIPAdjust}
	if info.ErrorCodeValid() {
		i.errorCode = errorCode
	}
	return i
}

func adjust(v []int) int {
	if len(v) == 0 || v[0] < 0 {
		return DeriveRIPAdjust
	}
	return v[0]
}

func (i Interrupt) Vector() ia32.Vector { return i.info.Vector() }
func (i Interrupt) Type() vmx.InterruptType { return i.info.Type() }
func (i Interrupt) ErrorCodeValid() bool { return i.info.ErrorCodeValid() }
func (i Interrupt) ErrorCode() uint32 { return i.errorCode }
func (i Interrupt) NMIUnblocking() bool { return i.info.NMIUnblocking() }
func (i Interrupt) Valid() bool { return i.info.Valid() }
func (i Interrupt) Info() vmx.InterruptionInfo { return i.info }

// RIPAdjust returns the explicit instruction-length override, or
// DeriveRIPAdjust.
func (i Interrupt) RIPAdjust() int { return i.ripAdjust }

func (i Interrupt) String() string {
	if !i.Valid() {
		return "none"
	}
	if i.ErrorCodeValid() {
		return fmt.Sprintf("%s %s(%#x)", i.Type(), i.Vector(), i.errorCode)
	}
	return fmt.Sprintf("%s %s", i.Type(), i.Vector())
}

// Common events.

func InvalidOpcode() Interrupt {
	return NewInterrupt(vmx.HardwareException, ia32.InvalidOpcode)
}

func GeneralProtection(code uint32) Interrupt {
	return NewException(vmx.HardwareException, ia32.GeneralProtection, code)
}

func PageFault(code ia32.PageFaultError) Interrupt {
	return NewException(vmx.HardwareException, ia32.PageFault, uint32(code))
}

func DebugException() Interrupt {
	return NewInterrupt(vmx.HardwareException, ia32.Debug)
}

func Breakpoint() Interrupt {
	return NewInterrupt(vmx.SoftwareException, ia32.Breakpoint)
}

func NonMaskable() Interrupt {
	return NewInterrupt(vmx.NMI, ia32.NMI)
}
