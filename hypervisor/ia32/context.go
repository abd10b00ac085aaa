package ia32

import "fmt"

// GPR names a general-purpose register by the number the processor uses for
// it in instruction encodings and exit qualifications.
type GPR int

const (
	RAX GPR = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumGPRs = 16
)

var gprNames = [NumGPRs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r GPR) String() string {
	if r < 0 || r >= NumGPRs {
		return fmt.Sprintf("gpr(%d)", int(r))
	}
	return gprNames[r]
}

// Context is a saved general-purpose register set.
type Context struct {
	GPR    [NumGPRs]uint64
	RIP    uint64
	RFLAGS RFLAGS
}

// Reg returns a pointer to the register with the given number.
func (c *Context) Reg(r GPR) (*uint64, error) {
	if r < 0 || r >= NumGPRs {
		return nil, fmt.Errorf("%w: %d", ErrBadRegister, int(r))
	}
	return &c.GPR[r], nil
}

func (c *Context) Get(r GPR) uint64 { return c.GPR[r&0xF] }

func (c *Context) Set(r GPR, v uint64) { c.GPR[r&0xF] = v }

// SetLow32 writes the low doubleword of r and zeroes the upper half, the
// way a 32-bit destination operand behaves in 64-bit mode.
func (c *Context) SetLow32(r GPR, v uint32) { c.GPR[r&0xF] = uint64(v) }

// EDXEAX returns the 64-bit value split across EDX:EAX.
func (c *Context) EDXEAX() uint64 {
	return uint64(uint32(c.GPR[RDX]))<<32 | uint64(uint32(c.GPR[RAX]))
}

// SetEDXEAX stores a 64-bit value split across EDX:EAX.
func (c *Context) SetEDXEAX(v uint64) {
	c.SetLow32(RAX, uint32(v))
	c.SetLow32(RDX, uint32(v>>32))
}
