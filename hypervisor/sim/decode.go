package sim

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// rawOp is an instruction x86asm does not decode.
type rawOp int

const (
	rawNone rawOp = iota
	rawVMCALL
	rawVMLAUNCH
	rawVMRESUME
	rawVMXOFF
	rawVMFUNC
	rawVMREAD
	rawVMWRITE
	rawVMPTRLD
	rawVMPTRST
	rawVMCLEAR
	rawVMXON
	rawINVEPT
	rawINVVPID
	rawINT3
	rawINT1
	rawINTn
)

var rawExits = map[rawOp]vmx.ExitReason{
	rawVMCALL:   vmx.ExitVMCALL,
	rawVMLAUNCH: vmx.ExitVMLAUNCH,
	rawVMRESUME: vmx.ExitVMRESUME,
	rawVMXOFF:   vmx.ExitVMXOFF,
	rawVMFUNC:   vmx.ExitVMFUNC,
	rawVMREAD:   vmx.ExitVMREAD,
	rawVMWRITE:  vmx.ExitVMWRITE,
	rawVMPTRLD:  vmx.ExitVMPTRLD,
	rawVMPTRST:  vmx.ExitVMPTRST,
	rawVMCLEAR:  vmx.ExitVMCLEAR,
	rawVMXON:    vmx.ExitVMXON,
	rawINVEPT:   vmx.ExitINVEPT,
	rawINVVPID:  vmx.ExitINVVPID,
}

type rawInst struct {
	op     rawOp
	length int
	modrm  byte
	hasRM  bool
	rex    byte
	imm    byte
}

// predecode recognizes the VMX instructions and the one-byte software
// interrupts.
func predecode(b []byte) (rawInst, bool) {
	var p66, pF3 bool
	var rex byte
	i := 0
prefixes:
	for ; i < len(b); i++ {
		switch b[i] {
		case 0x66:
			p66 = true
		case 0xF3:
			pF3 = true
		case 0x67, 0xF0, 0xF2, 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65:
		default:
			if b[i]&0xF0 != 0x40 {
				break prefixes
			}
			rex = b[i]
		}
	}
	op := b[i:]
	if len(op) == 0 {
		return rawInst{}, false
	}
	switch op[0] {
	case 0xCC:
		return rawInst{op: rawINT3, length: i + 1}, true
	case 0xF1:
		return rawInst{op: rawINT1, length: i + 1}, true
	case 0xCD:
		if len(op) < 2 {
			return rawInst{}, false
		}
		return rawInst{op: rawINTn, length: i + 2, imm: op[1]}, true
	case 0x0F:
	default:
		return rawInst{}, false
	}
	if len(op) < 3 {
		return rawInst{}, false
	}
	withModRM := func(o rawOp, at int) (rawInst, bool) {
		if at >= len(op) {
			return rawInst{}, false
		}
		n, ok := modrmLen(op[at:])
		if !ok {
			return rawInst{}, false
		}
		return rawInst{op: o, length: i + at + n, modrm: op[at], hasRM: true, rex: rex}, true
	}
	switch op[1] {
	case 0x01:
		o, ok := map[byte]rawOp{0xC1: rawVMCALL, 0xC2: rawVMLAUNCH, 0xC3: rawVMRESUME, 0xC4: rawVMXOFF, 0xD4: rawVMFUNC}[op[2]]
		if !ok {
			return rawInst{}, false
		}
		return rawInst{op: o, length: i + 3}, true
	case 0x78:
		return withModRM(rawVMREAD, 2)
	case 0x79:
		return withModRM(rawVMWRITE, 2)
	case 0xC7:
		if op[2]>>6 == 3 {
			return rawInst{}, false
		}
		switch reg := op[2] >> 3 & 7; {
		case reg == 6 && p66:
			return withModRM(rawVMCLEAR, 2)
		case reg == 6 && pF3:
			return withModRM(rawVMXON, 2)
		case reg == 6:
			return withModRM(rawVMPTRLD, 2)
		case reg == 7 && !p66 && !pF3:
			return withModRM(rawVMPTRST, 2)
		}
	case 0x38:
		if !p66 || len(op) < 4 {
			return rawInst{}, false
		}
		switch op[2] {
		case 0x80:
			return withModRM(rawINVEPT, 3)
		case 0x81:
			return withModRM(rawINVVPID, 3)
		}
	}
	return rawInst{}, false
}

// modrmLen returns the length of a ModR/M byte with its SIB byte and
// displacement.
func modrmLen(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	mod, rm := b[0]>>6, b[0]&7
	if mod == 3 {
		return 1, true
	}
	n := 1
	if rm == 4 {
		if len(b) < 2 {
			return 0, false
		}
		n++
		if mod == 0 && b[1]&7 == 5 {
			n += 4
		}
	} else if mod == 0 && rm == 5 {
		n += 4
	}
	switch mod {
	case 1:
		n++
	case 2:
		n += 4
	}
	return n, n <= len(b)
}

// info builds the exit instruction information of a VMX instruction with
// a register operand. Memory operands only report their address size.
func (r rawInst) info() vmx.InstructionInfo {
	b := vmx.InstructionInfoBuilder{AddressSize: 2, Segment: ia32.DS}
	if r.hasRM && r.modrm>>6 == 3 {
		b.RegOperand = true
		b.Register = ia32.GPR(r.modrm&7) | ia32.GPR(r.rex&1)<<3
	}
	return b.Build()
}

// gpr maps an x86asm general-purpose register to its number, operand size
// and whether it is one of AH, CH, DH or BH.
func gpr(r x86asm.Reg) (n ia32.GPR, size int, high bool, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return ia32.GPR(r - x86asm.AL), 1, false, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return ia32.GPR(r - x86asm.AH), 1, true, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return ia32.GPR(r-x86asm.SPB) + ia32.RSP, 1, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return ia32.GPR(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return ia32.GPR(r - x86asm.EAX), 4, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return ia32.GPR(r - x86asm.RAX), 8, false, true
	}
	return 0, 0, false, false
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}

func signExtend(v uint64, size int) uint64 {
	shift := 64 - 8*uint(size)
	return uint64(int64(v<<shift) >> shift)
}

func (c *CPU) getReg(r x86asm.Reg) (uint64, bool) {
	n, size, high, ok := gpr(r)
	if !ok {
		return 0, false
	}
	v := c.regs.GPR[n]
	if high {
		v >>= 8
	}
	return v & sizeMask(size), true
}

// setReg writes r with the usual rules: 32-bit writes zero the upper half,
// narrower writes merge.
func (c *CPU) setReg(r x86asm.Reg, v uint64) bool {
	n, size, high, ok := gpr(r)
	switch {
	case !ok:
		return false
	case high:
		c.regs.GPR[n] = c.regs.GPR[n]&^0xFF00 | (v&0xFF)<<8
	case size == 4:
		c.regs.GPR[n] = v & 0xFFFFFFFF
	case size == 8:
		c.regs.GPR[n] = v
	default:
		m := sizeMask(size)
		c.regs.GPR[n] = c.regs.GPR[n]&^m | v&m
	}
	return true
}

// addr computes the linear address of a memory operand.
func (c *CPU) addr(inst *x86asm.Inst, m x86asm.Mem) uint64 {
	var a uint64
	switch m.Base {
	case 0:
	case x86asm.RIP:
		a = c.regs.RIP + uint64(inst.Len)
	default:
		a, _ = c.getReg(m.Base)
	}
	if v, ok := c.getReg(m.Index); ok {
		a += uint64(m.Scale) * v
	}
	a += uint64(m.Disp)
	if inst.AddrSize == 32 {
		a &= 0xFFFFFFFF
	}
	switch m.Segment {
	case x86asm.FS:
		a += c.seg[ia32.FS].Base
	case x86asm.GS:
		a += c.seg[ia32.GS].Base
	}
	return a
}

// argSize returns the operand size of a register or memory argument.
func argSize(inst *x86asm.Inst, a x86asm.Arg) int {
	switch a := a.(type) {
	case x86asm.Reg:
		if _, size, _, ok := gpr(a); ok {
			return size
		}
	case x86asm.Mem:
		if inst.MemBytes > 0 {
			return inst.MemBytes
		}
	}
	return inst.DataSize / 8
}

func (c *CPU) load(inst *x86asm.Inst, a x86asm.Arg, size int) (uint64, error) {
	switch a := a.(type) {
	case x86asm.Reg:
		if v, ok := c.getReg(a); ok {
			return v & sizeMask(size), nil
		}
	case x86asm.Mem:
		return c.readN(c.addr(inst, a), size)
	case x86asm.Imm:
		return uint64(a) & sizeMask(size), nil
	case x86asm.Rel:
		return uint64(int64(a)), nil
	}
	return 0, raise(ia32.InvalidOpcode)
}

func (c *CPU) store(inst *x86asm.Inst, a x86asm.Arg, size int, v uint64) error {
	switch a := a.(type) {
	case x86asm.Reg:
		if c.setReg(a, v) {
			return nil
		}
	case x86asm.Mem:
		return c.writeN(c.addr(inst, a), size, v)
	}
	return raise(ia32.InvalidOpcode)
}

// memInfo builds the exit instruction information of a memory operand.
func memInfo(inst *x86asm.Inst, m x86asm.Mem) vmx.InstructionInfoBuilder {
	b := vmx.InstructionInfoBuilder{Segment: ia32.DS, AddressSize: 2}
	if inst.AddrSize == 32 {
		b.AddressSize = 1
	}
	switch m.Segment {
	case x86asm.ES:
		b.Segment = ia32.ES
	case x86asm.CS:
		b.Segment = ia32.CS
	case x86asm.SS:
		b.Segment = ia32.SS
	case x86asm.FS:
		b.Segment = ia32.FS
	case x86asm.GS:
		b.Segment = ia32.GS
	}
	if n, _, _, ok := gpr(m.Base); ok {
		b.Base, b.BaseValid = n, true
	}
	if n, _, _, ok := gpr(m.Index); ok {
		b.Index, b.IndexValid = n, true
		switch m.Scale {
		case 2:
			b.Scaling = 1
		case 4:
			b.Scaling = 2
		case 8:
			b.Scaling = 3
		}
	}
	return b
}
