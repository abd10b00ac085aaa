package vmx

import "github.com/set-io/vtx/hypervisor/ia32"

// CRAccessType is the access type of a control-register exit.
type CRAccessType uint8

const (
	MovToCR   CRAccessType = 0
	MovFromCR CRAccessType = 1
	CLTS      CRAccessType = 2
	LMSW      CRAccessType = 3
)

// MovCR decodes the exit qualification of a control-register access.
type MovCR uint64

func (q MovCR) CR() int { return int(q & 0xF) }
func (q MovCR) Access() CRAccessType { return CRAccessType(q>>4) & 3 }
func (q MovCR) LMSWMemory() bool { return q&(1<<6) != 0 }
func (q MovCR) GPR() ia32.GPR { return ia32.GPR(q>>8) & 0xF }
func (q MovCR) LMSWSource() uint16 { return uint16(q >> 16) }

// NewMovCR encodes a control-register access qualification.
func NewMovCR(cr int, access CRAccessType, gpr ia32.GPR, lmswSource uint16) MovCR {
	return MovCR(cr&0xF) | MovCR(access&3)<<4 | MovCR(gpr&0xF)<<8 | MovCR(lmswSource)<<16
}

// MovDR decodes the exit qualification of a debug-register access.
type MovDR uint64

func (q MovDR) DR() int { return int(q & 7) }
func (q MovDR) FromDR() bool { return q&(1<<4) != 0 }
func (q MovDR) GPR() ia32.GPR { return ia32.GPR(q>>8) & 0xF }

func NewMovDR(dr int, fromDR bool, gpr ia32.GPR) MovDR {
	q := MovDR(dr&7) | MovDR(gpr&0xF)<<8
	if fromDR {
		q |= 1 << 4
	}
	return q
}

// IO decodes the exit qualification of an I/O instruction.
type IO uint64

const (
	ioIn        IO = 1 << 3
	ioString    IO = 1 << 4
	ioRep       IO = 1 << 5
	ioImmediate IO = 1 << 6
)

// Size returns the access size in bytes (1, 2 or 4).
func (q IO) Size() int { return int(q&7) + 1 }
func (q IO) In() bool { return q&ioIn != 0 }
// StringOp reports an INS or OUTS instruction.
func (q IO) StringOp() bool { return q&ioString != 0 }
func (q IO) Rep() bool { return q&ioRep != 0 }
func (q IO) Immediate() bool { return q&ioImmediate != 0 }
func (q IO) Port() uint16 { return uint16(q >> 16) }

func NewIO(port uint16, size int, in, str, rep, immediate bool) IO {
	q := IO(size-1)&7 | IO(port)<<16
	if in {
		q |= ioIn
	}
	if str {
		q |= ioString
	}
	if rep {
		q |= ioRep
	}
	if immediate {
		q |= ioImmediate
	}
	return q
}

// EPTViolation decodes the exit qualification of an EPT violation.
type EPTViolation uint64

const (
	EPTRead             EPTViolation = 1 << 0
	EPTWrite            EPTViolation = 1 << 1
	EPTFetch            EPTViolation = 1 << 2
	EPTReadable         EPTViolation = 1 << 3
	EPTWritable         EPTViolation = 1 << 4
	EPTExecutable       EPTViolation = 1 << 5
	EPTLinearValid      EPTViolation = 1 << 7
	EPTFinalTranslation EPTViolation = 1 << 8
	EPTNMIUnblocking    EPTViolation = 1 << 12
)

func (q EPTViolation) Read() bool { return q&EPTRead != 0 }
func (q EPTViolation) Write() bool { return q&EPTWrite != 0 }
func (q EPTViolation) Fetch() bool { return q&EPTFetch != 0 }
func (q EPTViolation) Present() bool { return q&(EPTReadable|EPTWritable|EPTExecutable) != 0 }

// DescriptorInstruction identifies the instruction behind a GDTR/IDTR or
// LDTR/TR access exit.
type DescriptorInstruction uint8

const (
	SGDT DescriptorInstruction = 0
	SIDT DescriptorInstruction = 1
	LGDT DescriptorInstruction = 2
	LIDT DescriptorInstruction = 3

	SLDT DescriptorInstruction = 0
	STR  DescriptorInstruction = 1
	LLDT DescriptorInstruction = 2
	LTR  DescriptorInstruction = 3
)

// InstructionInfo decodes the VM-exit instruction-information field.
type InstructionInfo uint32

func (i InstructionInfo) Scaling() uint8 { return uint8(i & 3) }
func (i InstructionInfo) Register1() ia32.GPR { return ia32.GPR(i>>3) & 0xF }
func (i InstructionInfo) AddressSize() uint8 { return uint8(i>>7) & 7 }
func (i InstructionInfo) RegisterOperand() bool { return i&(1<<10) != 0 }
func (i InstructionInfo) OperandSize32() bool { return i&(1<<11) != 0 }
func (i InstructionInfo) Segment() ia32.SegmentRegister { return ia32.SegmentRegister(i>>15) & 7 }
func (i InstructionInfo) Index() ia32.GPR { return ia32.GPR(i>>18) & 0xF }
func (i InstructionInfo) IndexValid() bool { return i&(1<<22) == 0 }
func (i InstructionInfo) Base() ia32.GPR { return ia32.GPR(i>>23) & 0xF }
func (i InstructionInfo) BaseValid() bool { return i&(1<<27) == 0 }
func (i InstructionInfo) Identity() DescriptorInstruction { return DescriptorInstruction(i>>28) & 3 }

// InstructionInfoBuilder assembles an instruction-information value.
type InstructionInfoBuilder struct {
	Identity    DescriptorInstruction
	Register    ia32.GPR
	RegOperand  bool
	Segment     ia32.SegmentRegister
	Base        ia32.GPR
	BaseValid   bool
	Index       ia32.GPR
	IndexValid  bool
	Scaling     uint8
	AddressSize uint8
}

func (b InstructionInfoBuilder) Build() InstructionInfo {
	i := InstructionInfo(b.Scaling&3) |
		InstructionInfo(b.Register&0xF)<<3 |
		InstructionInfo(b.AddressSize&7)<<7 |
		InstructionInfo(b.Segment&7)<<15 |
		InstructionInfo(b.Index&0xF)<<18 |
		InstructionInfo(b.Base&0xF)<<23 |
		InstructionInfo(b.Identity&3)<<28
	if b.RegOperand {
		i |= 1 << 10
	}
	if !b.IndexValid {
		i |= 1 << 22
	}
	if !b.BaseValid {
		i |= 1 << 27
	}
	return i
}
