package ia32

// CR0 is the value of control register 0.
type CR0 uint64

const (
	CR0PE CR0 = 1 << 0
	CR0MP CR0 = 1 << 1
	CR0EM CR0 = 1 << 2
	CR0TS CR0 = 1 << 3
	CR0ET CR0 = 1 << 4
	CR0NE CR0 = 1 << 5
	CR0WP CR0 = 1 << 16
	CR0AM CR0 = 1 << 18
	CR0NW CR0 = 1 << 29
	CR0CD CR0 = 1 << 30
	CR0PG CR0 = 1 << 31
)

// MSW returns the machine status word (the low 16 bits) as seen by SMSW/LMSW.
func (c CR0) MSW() uint16 { return uint16(c) }

// CR3 is the value of control register 3.
type CR3 uint64

const (
	CR3PWT CR3 = 1 << 3
	CR3PCD CR3 = 1 << 4

	// CR3NoFlush is bit 63 of a MOV to CR3 when CR4.PCIDE is set. It is
	// never stored in the register itself.
	CR3NoFlush CR3 = 1 << 63
)

// PageFrame returns the physical address of the top-level paging structure.
func (c CR3) PageFrame() uint64 { return uint64(c) &^ 0xFFF &^ uint64(CR3NoFlush) }

// PCID returns the process-context identifier held in bits 11:0.
func (c CR3) PCID() uint16 { return uint16(c & 0xFFF) }

// CR4 is the value of control register 4.
type CR4 uint64

const (
	CR4VME        CR4 = 1 << 0
	CR4PVI        CR4 = 1 << 1
	CR4TSD        CR4 = 1 << 2
	CR4DE         CR4 = 1 << 3
	CR4PSE        CR4 = 1 << 4
	CR4PAE        CR4 = 1 << 5
	CR4MCE        CR4 = 1 << 6
	CR4PGE        CR4 = 1 << 7
	CR4PCE        CR4 = 1 << 8
	CR4OSFXSR     CR4 = 1 << 9
	CR4OSXMMEXCPT CR4 = 1 << 10
	CR4UMIP       CR4 = 1 << 11
	CR4LA57       CR4 = 1 << 12
	CR4VMXE       CR4 = 1 << 13
	CR4SMXE       CR4 = 1 << 14
	CR4FSGSBASE   CR4 = 1 << 16
	CR4PCIDE      CR4 = 1 << 17
	CR4OSXSAVE    CR4 = 1 << 18
	CR4SMEP       CR4 = 1 << 20
	CR4SMAP       CR4 = 1 << 21
	CR4PKE        CR4 = 1 << 22
)

// EFER is the extended feature enable register.
type EFER uint64

const (
	EFERSCE EFER = 1 << 0
	EFERLME EFER = 1 << 8
	EFERLMA EFER = 1 << 10
	EFERNXE EFER = 1 << 11
)

// RFLAGS is the value of the flags register.
type RFLAGS uint64

const (
	RFLAGSCF       RFLAGS = 1 << 0
	RFLAGSReserved RFLAGS = 1 << 1
	RFLAGSPF       RFLAGS = 1 << 2
	RFLAGSAF       RFLAGS = 1 << 4
	RFLAGSZF       RFLAGS = 1 << 6
	RFLAGSSF       RFLAGS = 1 << 7
	RFLAGSTF       RFLAGS = 1 << 8
	RFLAGSIF       RFLAGS = 1 << 9
	RFLAGSDF       RFLAGS = 1 << 10
	RFLAGSOF       RFLAGS = 1 << 11
	RFLAGSNT       RFLAGS = 1 << 14
	RFLAGSRF       RFLAGS = 1 << 16
	RFLAGSVM       RFLAGS = 1 << 17
	RFLAGSAC       RFLAGS = 1 << 18
)

// IOPL returns the I/O privilege level.
func (f RFLAGS) IOPL() uint8 { return uint8(f>>12) & 3 }

// DR6 is the debug status register.
type DR6 uint64

const (
	DR6B0 DR6 = 1 << 0
	DR6B1 DR6 = 1 << 1
	DR6B2 DR6 = 1 << 2
	DR6B3 DR6 = 1 << 3
	DR6BD DR6 = 1 << 13
	DR6BS DR6 = 1 << 14
	DR6BT DR6 = 1 << 15

	// DR6Fixed holds the bits that always read as one.
	DR6Fixed DR6 = 0xFFFF0FF0
)

// DR7 is the debug control register.
type DR7 uint64

const (
	DR7GD DR7 = 1 << 13

	// DR7Fixed holds the bits that always read as one.
	DR7Fixed DR7 = 1 << 10
)

// Enabled reports whether breakpoint i (0-3) is enabled locally or globally.
func (d DR7) Enabled(i int) bool { return d>>(uint(i)*2)&3 != 0 }

// Upper reports whether any of the reserved upper 32 bits of a DR6/DR7 value
// are set. MOV to those registers faults in that case.
func Upper(v uint64) bool { return v>>32 != 0 }
