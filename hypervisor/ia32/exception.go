package ia32

import "fmt"

// Vector is an interrupt or exception vector.
type Vector uint8

const (
	DivideError         Vector = 0
	Debug               Vector = 1
	NMI                 Vector = 2
	Breakpoint          Vector = 3
	Overflow            Vector = 4
	BoundRange          Vector = 5
	InvalidOpcode       Vector = 6
	DeviceNotAvailable  Vector = 7
	DoubleFault         Vector = 8
	InvalidTSS          Vector = 10
	SegmentNotPresent   Vector = 11
	StackFault          Vector = 12
	GeneralProtection   Vector = 13
	PageFault           Vector = 14
	X87FloatingPoint    Vector = 16
	AlignmentCheck      Vector = 17
	MachineCheck        Vector = 18
	SIMDFloatingPoint   Vector = 19
	VirtualizationFault Vector = 20
	ControlProtection   Vector = 21

	// FirstExternalVector is the lowest vector not reserved for exceptions.
	FirstExternalVector Vector = 32
)

var vectorNames = map[Vector]string{
	DivideError:         "#DE",
	Debug:               "#DB",
	NMI:                 "NMI",
	Breakpoint:          "#BP",
	Overflow:            "#OF",
	BoundRange:          "#BR",
	InvalidOpcode:       "#UD",
	DeviceNotAvailable:  "#NM",
	DoubleFault:         "#DF",
	InvalidTSS:          "#TS",
	SegmentNotPresent:   "#NP",
	StackFault:          "#SS",
	GeneralProtection:   "#GP",
	PageFault:           "#PF",
	X87FloatingPoint:    "#MF",
	AlignmentCheck:      "#AC",
	MachineCheck:        "#MC",
	SIMDFloatingPoint:   "#XM",
	VirtualizationFault: "#VE",
	ControlProtection:   "#CP",
}

func (v Vector) String() string {
	if s, ok := vectorNames[v]; ok {
		return s
	}
	return fmt.Sprintf("vector(%d)", uint8(v))
}

// HasErrorCode reports whether the processor pushes an error code when it
// delivers this vector as a hardware exception.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackFault,
		GeneralProtection, PageFault, AlignmentCheck, ControlProtection:
		return true
	}
	return false
}

// PageFaultError is the error code pushed with #PF.
type PageFaultError uint32

const (
	PFPresent     PageFaultError = 1 << 0
	PFWrite       PageFaultError = 1 << 1
	PFUser        PageFaultError = 1 << 2
	PFReserved    PageFaultError = 1 << 3
	PFFetch       PageFaultError = 1 << 4
	PFProtKey     PageFaultError = 1 << 5
	PFShadowStack PageFaultError = 1 << 6
)

// SelectorError builds the error code of #GP/#NP/#SS/#TS that refers to a
// segment selector or IDT slot.
func SelectorError(index uint16, idt, external bool) uint32 {
	code := uint32(index) << 3
	if idt {
		code |= 1 << 1
	}
	if external {
		code |= 1
	}
	return code
}
