package vmx

import (
	"fmt"

	"github.com/set-io/vtx/hypervisor/ia32"
)

// InterruptType is the event type encoded in bits 10:8 of the
// interruption-information fields.
type InterruptType uint8

const (
	ExternalInterrupt           InterruptType = 0
	NMI                         InterruptType = 2
	HardwareException           InterruptType = 3
	SoftwareInterrupt           InterruptType = 4
	PrivilegedSoftwareException InterruptType = 5
	SoftwareException           InterruptType = 6
	OtherEvent                  InterruptType = 7
)

var interruptTypeNames = map[InterruptType]string{
	ExternalInterrupt:           "external_interrupt",
	NMI:                         "nmi",
	HardwareException:           "hardware_exception",
	SoftwareInterrupt:           "software_interrupt",
	PrivilegedSoftwareException: "privileged_software_exception",
	SoftwareException:           "software_exception",
	OtherEvent:                  "other_event",
}

func (t InterruptType) String() string {
	if s, ok := interruptTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("interrupt_type(%d)", uint8(t))
}

// Software reports whether delivery of this type is caused by an
// instruction and therefore needs the VM-entry instruction length.
func (t InterruptType) Software() bool {
	return t == SoftwareInterrupt || t == PrivilegedSoftwareException || t == SoftwareException
}

// InterruptionInfo is the layout shared by the VM-entry interruption
// information, VM-exit interruption information and IDT-vectoring
// information fields.
type InterruptionInfo uint32

const infoTypeShift = 8

const (
	infoVectorMask     InterruptionInfo = 0xFF
	infoTypeMask       InterruptionInfo = 7 << infoTypeShift
	infoErrorCodeValid InterruptionInfo = 1 << 11
	infoNMIUnblocking  InterruptionInfo = 1 << 12
	infoValid          InterruptionInfo = 1 << 31
)

// NewInterruptionInfo encodes a valid interruption-information word.
func NewInterruptionInfo(v ia32.Vector, t InterruptType, errorCodeValid, nmiUnblocking bool) InterruptionInfo {
	i := InterruptionInfo(v) | InterruptionInfo(t&7)<<infoTypeShift | infoValid
	if errorCodeValid {
		i |= infoErrorCodeValid
	}
	if nmiUnblocking {
		i |= infoNMIUnblocking
	}
	return i
}

func (i InterruptionInfo) Vector() ia32.Vector { return ia32.Vector(i & infoVectorMask) }
func (i InterruptionInfo) Type() InterruptType { return InterruptType((i & infoTypeMask) >> infoTypeShift) }
func (i InterruptionInfo) ErrorCodeValid() bool { return i&infoErrorCodeValid != 0 }
func (i InterruptionInfo) NMIUnblocking() bool { return i&infoNMIUnblocking != 0 }
func (i InterruptionInfo) Valid() bool { return i&infoValid != 0 }

func (i InterruptionInfo) String() string {
	if !i.Valid() {
		return "none"
	}
	return fmt.Sprintf("%s %s ec=%v", i.Type(), i.Vector(), i.ErrorCodeValid())
}

// Interruptibility is the guest interruptibility-state field.
type Interruptibility uint32

const (
	BlockingBySTI   Interruptibility = 1 << 0
	BlockingByMovSS Interruptibility = 1 << 1
	BlockingBySMI   Interruptibility = 1 << 2
	BlockingByNMI   Interruptibility = 1 << 3
)

// ActivityState is the guest activity-state field.
type ActivityState uint32

const (
	ActivityActive   ActivityState = 0
	ActivityHLT      ActivityState = 1
	ActivityShutdown ActivityState = 2
	ActivityWaitSIPI ActivityState = 3
)
