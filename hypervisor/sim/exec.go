package sim

import (
	"errors"
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

const arithFlags = ia32.RFLAGSCF | ia32.RFLAGSPF | ia32.RFLAGSAF | ia32.RFLAGSZF | ia32.RFLAGSSF | ia32.RFLAGSOF

// step fetches, decodes and executes one instruction.
func (c *CPU) step() error {
	c.tsc++
	buf, ferr := c.fetch()
	if len(buf) == 0 {
		return ferr
	}
	if r, ok := predecode(buf); ok {
		return c.execRaw(r)
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		if ferr != nil {
			return ferr
		}
		return raise(ia32.InvalidOpcode)
	}
	return c.exec(&inst)
}

// settle resolves the outcome of an instruction or an event delivery in
// VMX non-root operation. done reports that the guest stops running.
func (c *CPU) settle(err error) (e vmexit, fatal error, done bool) {
	err = c.handle(err)
	if err == nil {
		return vmexit{}, nil, false
	}
	var x *exitRequest
	if errors.As(err, &x) {
		return x.exit, nil, true
	}
	return vmexit{}, err, true
}

// runGuest executes guest code from the state loadGuest installed until
// something causes a VM exit.
func (c *CPU) runGuest() (vmexit, error) {
	if e, err, done := c.settle(c.inject()); done {
		return e, err
	}
	for steps := 0; ; steps++ {
		if c.limit > 0 && steps >= c.limit {
			return vmexit{}, ErrStepLimit
		}
		pin, proc := c.pinCtls(), c.procCtls()
		if c.nmi.Swap(false) {
			if pin&vmx.PinNMIExiting != 0 {
				return vmexit{reason: vmx.ExitExceptionOrNMI, intr: vmx.NewInterruptionInfo(ia32.NMI, vmx.NMI, false, false)}, nil
			}
			if e, err, done := c.settle(c.raiseEvent(event{vector: ia32.NMI, kind: vmx.NMI}, nil)); done {
				return e, err
			}
			continue
		}
		if pin&vmx.PinPreemptionTimer != 0 {
			if c.timer == 0 {
				return vmexit{reason: vmx.ExitPreemptionTimer}, nil
			}
			c.timer--
		}
		if proc&vmx.ProcNMIWindowExiting != 0 {
			return vmexit{reason: vmx.ExitNMIWindow}, nil
		}
		if proc&vmx.ProcInterruptWindowExiting != 0 && c.regs.RFLAGS&ia32.RFLAGSIF != 0 {
			return vmexit{reason: vmx.ExitInterruptWindow}, nil
		}
		if c.activity == vmx.ActivityHLT {
			if pin&vmx.PinPreemptionTimer != 0 {
				c.timer = 0
				continue
			}
			<-c.wake
			continue
		}
		if e, err, done := c.settle(c.step()); done {
			return e, err
		}
		if proc&vmx.ProcMonitorTrapFlag != 0 {
			return vmexit{reason: vmx.ExitMonitorTrapFlag}, nil
		}
	}
}

func instExit(r vmx.ExitReason, inst *x86asm.Inst, qual uint64) error {
	return &exitRequest{vmexit{reason: r, length: inst.Len, qual: qual}}
}

// fromHost turns an error of the Host methods into the exception the
// instruction raises.
func fromHost(err error) error {
	if errors.Is(err, ErrGeneralFault) || errors.Is(err, ErrUnknownMSR) {
		return raiseCode(ia32.GeneralProtection, 0)
	}
	return err
}

// execRaw executes an instruction from predecode.
func (c *CPU) execRaw(r rawInst) error {
	switch r.op {
	case rawINT3:
		return c.raiseEvent(event{vector: ia32.Breakpoint, kind: vmx.SoftwareException, length: r.length}, nil)
	case rawINT1:
		return c.raiseEvent(event{vector: ia32.Debug, kind: vmx.PrivilegedSoftwareException, length: r.length}, nil)
	case rawINTn:
		return c.raiseEvent(event{vector: ia32.Vector(r.imm), kind: vmx.SoftwareInterrupt, length: r.length}, nil)
	}
	if !c.guest {
		return raise(ia32.InvalidOpcode)
	}
	return &exitRequest{vmexit{reason: rawExits[r.op], length: r.length, info: r.info()}}
}

func hasPrefix(inst *x86asm.Inst, p x86asm.Prefix) bool {
	for _, q := range inst.Prefix {
		if q == 0 {
			break
		}
		if q&0xFF == p {
			return true
		}
	}
	return false
}

// exec executes a decoded instruction. A fault leaves RIP at the
// instruction.
func (c *CPU) exec(inst *x86asm.Inst) error {
	next := c.regs.RIP + uint64(inst.Len)
	target, err := c.dispatch(inst, next)
	if err != nil {
		return err
	}
	c.regs.RIP = target
	return nil
}

func (c *CPU) dispatch(inst *x86asm.Inst, next uint64) (uint64, error) {
	if cc, ok := jcc[inst.Op]; ok {
		if c.cond(cc) {
			return branch(inst, next), nil
		}
		return next, nil
	}
	if cc, ok := cmovcc[inst.Op]; ok {
		return next, c.cmov(inst, cc)
	}
	if cc, ok := setcc[inst.Op]; ok {
		var v uint64
		if c.cond(cc) {
			v = 1
		}
		return next, c.store(inst, inst.Args[0], 1, v)
	}

	switch inst.Op {
	case x86asm.NOP:
		return next, nil
	case x86asm.MOV:
		return next, c.mov(inst)
	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		return next, c.movExtend(inst)
	case x86asm.LEA:
		m, ok := inst.Args[1].(x86asm.Mem)
		if !ok {
			return 0, raise(ia32.InvalidOpcode)
		}
		m.Segment = 0
		size := argSize(inst, inst.Args[0])
		return next, c.store(inst, inst.Args[0], size, c.addr(inst, m))
	case x86asm.XCHG:
		return next, c.xchg(inst)
	case x86asm.BSWAP:
		size := argSize(inst, inst.Args[0])
		v, _ := c.load(inst, inst.Args[0], size)
		if size == 8 {
			v = bits.ReverseBytes64(v)
		} else {
			v = uint64(bits.ReverseBytes32(uint32(v)))
		}
		return next, c.store(inst, inst.Args[0], size, v)
	case x86asm.CBW, x86asm.CWDE, x86asm.CDQE:
		size := inst.DataSize / 8
		v := signExtend(c.regs.GPR[ia32.RAX]&sizeMask(size/2), size/2)
		c.setReg(accumulator(size), v&sizeMask(size))
		return next, nil
	case x86asm.CWD, x86asm.CDQ, x86asm.CQO:
		size := inst.DataSize / 8
		var v uint64
		if c.regs.GPR[ia32.RAX]>>(8*uint(size)-1)&1 != 0 {
			v = sizeMask(size)
		}
		c.setReg(data(size), v)
		return next, nil

	case x86asm.PUSH:
		v, err := c.load(inst, inst.Args[0], c.stackSize(inst))
		if err != nil {
			return 0, err
		}
		return next, c.push(v, c.stackSize(inst))
	case x86asm.POP:
		size := c.stackSize(inst)
		v, err := c.readN(c.regs.GPR[ia32.RSP], size)
		if err != nil {
			return 0, err
		}
		c.regs.GPR[ia32.RSP] += uint64(size)
		if err := c.store(inst, inst.Args[0], size, v); err != nil {
			c.regs.GPR[ia32.RSP] -= uint64(size)
			return 0, err
		}
		return next, nil
	case x86asm.PUSHFQ:
		return next, c.push(uint64(c.regs.RFLAGS&^(ia32.RFLAGSRF|ia32.RFLAGSVM)), 8)
	case x86asm.POPFQ:
		v, err := c.pop(8)
		if err != nil {
			return 0, err
		}
		const writable = arithFlags | ia32.RFLAGSTF | ia32.RFLAGSIF | ia32.RFLAGSDF | ia32.RFLAGSNT | ia32.RFLAGSAC | 3<<12
		c.regs.RFLAGS = c.regs.RFLAGS&^writable | ia32.RFLAGS(v)&writable | ia32.RFLAGSReserved
		return next, nil
	case x86asm.LEAVE:
		rbp := c.regs.GPR[ia32.RBP]
		v, err := c.readN(rbp, 8)
		if err != nil {
			return 0, err
		}
		c.regs.GPR[ia32.RSP] = rbp + 8
		c.regs.GPR[ia32.RBP] = v
		return next, nil

	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.CMP,
		x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		return next, c.binary(inst)
	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		return next, c.unary(inst)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR:
		return next, c.shift(inst)
	case x86asm.IMUL:
		return next, c.imul(inst)
	case x86asm.MUL:
		return next, c.mul(inst)
	case x86asm.DIV:
		return next, c.div(inst)

	case x86asm.JMP:
		return c.indirect(inst, next)
	case x86asm.CALL:
		target, err := c.indirect(inst, next)
		if err != nil {
			return 0, err
		}
		return target, c.push(next, 8)
	case x86asm.RET:
		v, err := c.pop(8)
		if err != nil {
			return 0, err
		}
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			c.regs.GPR[ia32.RSP] += uint64(imm)
		}
		return v, nil
	case x86asm.JRCXZ, x86asm.JECXZ, x86asm.JCXZ:
		mask := map[x86asm.Op]uint64{x86asm.JRCXZ: ^uint64(0), x86asm.JECXZ: 0xFFFFFFFF, x86asm.JCXZ: 0xFFFF}[inst.Op]
		if c.regs.GPR[ia32.RCX]&mask == 0 {
			return branch(inst, next), nil
		}
		return next, nil
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		c.regs.GPR[ia32.RCX]--
		zf := c.regs.RFLAGS&ia32.RFLAGSZF != 0
		taken := c.regs.GPR[ia32.RCX] != 0 &&
			(inst.Op == x86asm.LOOP || (inst.Op == x86asm.LOOPE) == zf)
		if taken {
			return branch(inst, next), nil
		}
		return next, nil
	case x86asm.IRETQ:
		return c.iret()

	case x86asm.CLC:
		c.regs.RFLAGS &^= ia32.RFLAGSCF
	case x86asm.STC:
		c.regs.RFLAGS |= ia32.RFLAGSCF
	case x86asm.CMC:
		c.regs.RFLAGS ^= ia32.RFLAGSCF
	case x86asm.CLD:
		c.regs.RFLAGS &^= ia32.RFLAGSDF
	case x86asm.STD:
		c.regs.RFLAGS |= ia32.RFLAGSDF
	case x86asm.CLI:
		c.regs.RFLAGS &^= ia32.RFLAGSIF
	case x86asm.STI:
		c.regs.RFLAGS |= ia32.RFLAGSIF

	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		return next, c.str(inst)

	case x86asm.UD2:
		return 0, raise(ia32.InvalidOpcode)
	default:
		return c.system(inst, next)
	}
	return next, nil
}

// stackSize is the operand size of PUSH and POP in 64-bit mode.
func (c *CPU) stackSize(inst *x86asm.Inst) int {
	if hasPrefix(inst, x86asm.PrefixDataSize) {
		return 2
	}
	return 8
}

func (c *CPU) push(v uint64, size int) error {
	rsp := c.regs.GPR[ia32.RSP] - uint64(size)
	if err := c.writeN(rsp, size, v); err != nil {
		return err
	}
	c.regs.GPR[ia32.RSP] = rsp
	return nil
}

func (c *CPU) pop(size int) (uint64, error) {
	v, err := c.readN(c.regs.GPR[ia32.RSP], size)
	if err != nil {
		return 0, err
	}
	c.regs.GPR[ia32.RSP] += uint64(size)
	return v, nil
}

func branch(inst *x86asm.Inst, next uint64) uint64 {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		return next + uint64(int64(rel))
	}
	return next
}

// indirect resolves the target of JMP or CALL.
func (c *CPU) indirect(inst *x86asm.Inst, next uint64) (uint64, error) {
	if _, ok := inst.Args[0].(x86asm.Rel); ok {
		return branch(inst, next), nil
	}
	target, err := c.load(inst, inst.Args[0], 8)
	if err != nil {
		return 0, err
	}
	if !canonical(target) {
		return 0, raiseCode(ia32.GeneralProtection, 0)
	}
	return target, nil
}

func (c *CPU) iret() (uint64, error) {
	var frame [5]uint64
	rsp := c.regs.GPR[ia32.RSP]
	for i := range frame {
		v, err := c.readN(rsp+uint64(8*i), 8)
		if err != nil {
			return 0, err
		}
		frame[i] = v
	}
	const writable = arithFlags | ia32.RFLAGSTF | ia32.RFLAGSIF | ia32.RFLAGSDF | ia32.RFLAGSNT | ia32.RFLAGSRF | ia32.RFLAGSAC | 3<<12
	c.seg[ia32.CS].Selector = ia32.Selector(frame[1])
	c.regs.RFLAGS = ia32.RFLAGS(frame[2])&writable | ia32.RFLAGSReserved
	c.regs.GPR[ia32.RSP] = frame[3]
	c.seg[ia32.SS].Selector = ia32.Selector(frame[4])
	return frame[0], nil
}

var (
	jcc = map[x86asm.Op]int{
		x86asm.JO: 0, x86asm.JNO: 1, x86asm.JB: 2, x86asm.JAE: 3, x86asm.JE: 4, x86asm.JNE: 5, x86asm.JBE: 6, x86asm.JA: 7,
		x86asm.JS: 8, x86asm.JNS: 9, x86asm.JP: 10, x86asm.JNP: 11, x86asm.JL: 12, x86asm.JGE: 13, x86asm.JLE: 14, x86asm.JG: 15,
	}
	cmovcc = map[x86asm.Op]int{
		x86asm.CMOVO: 0, x86asm.CMOVNO: 1, x86asm.CMOVB: 2, x86asm.CMOVAE: 3, x86asm.CMOVE: 4, x86asm.CMOVNE: 5, x86asm.CMOVBE: 6, x86asm.CMOVA: 7,
		x86asm.CMOVS: 8, x86asm.CMOVNS: 9, x86asm.CMOVP: 10, x86asm.CMOVNP: 11, x86asm.CMOVL: 12, x86asm.CMOVGE: 13, x86asm.CMOVLE: 14, x86asm.CMOVG: 15,
	}
	setcc = map[x86asm.Op]int{
		x86asm.SETO: 0, x86asm.SETNO: 1, x86asm.SETB: 2, x86asm.SETAE: 3, x86asm.SETE: 4, x86asm.SETNE: 5, x86asm.SETBE: 6, x86asm.SETA: 7,
		x86asm.SETS: 8, x86asm.SETNS: 9, x86asm.SETP: 10, x86asm.SETNP: 11, x86asm.SETL: 12, x86asm.SETGE: 13, x86asm.SETLE: 14, x86asm.SETG: 15,
	}
)

// cond evaluates condition code cc, numbered as in the Jcc opcodes.
func (c *CPU) cond(cc int) bool {
	f := c.regs.RFLAGS
	cf, zf, sf, of, pf := f&ia32.RFLAGSCF != 0, f&ia32.RFLAGSZF != 0, f&ia32.RFLAGSSF != 0, f&ia32.RFLAGSOF != 0, f&ia32.RFLAGSPF != 0
	var r bool
	switch cc >> 1 {
	case 0:
		r = of
	case 1:
		r = cf
	case 2:
		r = zf
	case 3:
		r = cf || zf
	case 4:
		r = sf
	case 5:
		r = pf
	case 6:
		r = sf != of
	case 7:
		r = zf || sf != of
	}
	return r != (cc&1 != 0)
}

func (c *CPU) cmov(inst *x86asm.Inst, cc int) error {
	size := argSize(inst, inst.Args[0])
	v, err := c.load(inst, inst.Args[1], size)
	if err != nil {
		return err
	}
	if !c.cond(cc) {
		if size != 4 {
			return nil
		}
		v, _ = c.load(inst, inst.Args[0], size)
	}
	return c.store(inst, inst.Args[0], size, v)
}

func accumulator(size int) x86asm.Reg {
	return map[int]x86asm.Reg{1: x86asm.AL, 2: x86asm.AX, 4: x86asm.EAX, 8: x86asm.RAX}[size]
}

func data(size int) x86asm.Reg {
	return map[int]x86asm.Reg{1: x86asm.AH, 2: x86asm.DX, 4: x86asm.EDX, 8: x86asm.RDX}[size]
}

func (c *CPU) mov(inst *x86asm.Inst) error {
	dst, src := inst.Args[0], inst.Args[1]
	if r, ok := dst.(x86asm.Reg); ok {
		switch {
		case r >= x86asm.CR0 && r <= x86asm.CR15:
			return c.movToCR(inst, int(r-x86asm.CR0), src.(x86asm.Reg))
		case r >= x86asm.DR0 && r <= x86asm.DR15:
			return c.movDR(inst, int(r-x86asm.DR0), src.(x86asm.Reg), false)
		case r >= x86asm.ES && r <= x86asm.GS:
			sel, err := c.load(inst, src, 2)
			if err != nil {
				return err
			}
			return c.loadSegment(segment(r), ia32.Selector(sel))
		}
	}
	if r, ok := src.(x86asm.Reg); ok {
		switch {
		case r >= x86asm.CR0 && r <= x86asm.CR15:
			return c.movFromCR(inst, int(r-x86asm.CR0), dst.(x86asm.Reg))
		case r >= x86asm.DR0 && r <= x86asm.DR15:
			return c.movDR(inst, int(r-x86asm.DR0), dst.(x86asm.Reg), true)
		case r >= x86asm.ES && r <= x86asm.GS:
			return c.store(inst, dst, argSize(inst, dst), uint64(c.seg[segment(r)].Selector))
		}
	}
	size := argSize(inst, dst)
	v, err := c.load(inst, src, size)
	if err != nil {
		return err
	}
	return c.store(inst, dst, size, v)
}

func segment(r x86asm.Reg) ia32.SegmentRegister {
	return ia32.SegmentRegister(r - x86asm.ES)
}

func (c *CPU) movExtend(inst *x86asm.Inst) error {
	size := argSize(inst, inst.Args[0])
	from := argSize(inst, inst.Args[1])
	v, err := c.load(inst, inst.Args[1], from)
	if err != nil {
		return err
	}
	if inst.Op != x86asm.MOVZX {
		v = signExtend(v, from)
	}
	return c.store(inst, inst.Args[0], size, v&sizeMask(size))
}

func (c *CPU) xchg(inst *x86asm.Inst) error {
	size := argSize(inst, inst.Args[0])
	a, err := c.load(inst, inst.Args[0], size)
	if err != nil {
		return err
	}
	b, err := c.load(inst, inst.Args[1], size)
	if err != nil {
		return err
	}
	if err := c.store(inst, inst.Args[0], size, b); err != nil {
		return err
	}
	return c.store(inst, inst.Args[1], size, a)
}

func parity(v uint64) bool { return bits.OnesCount8(uint8(v))%2 == 0 }

// resultFlags computes ZF, SF and PF of r.
func resultFlags(r uint64, size int) ia32.RFLAGS {
	var f ia32.RFLAGS
	r &= sizeMask(size)
	if r == 0 {
		f |= ia32.RFLAGSZF
	}
	if r>>(8*uint(size)-1)&1 != 0 {
		f |= ia32.RFLAGSSF
	}
	if parity(r) {
		f |= ia32.RFLAGSPF
	}
	return f
}

func (c *CPU) setFlags(mask, f ia32.RFLAGS) {
	c.regs.RFLAGS = c.regs.RFLAGS&^mask | f&mask
}

func add(a, b, carry uint64, size int) (uint64, ia32.RFLAGS) {
	m := sizeMask(size)
	a, b = a&m, b&m
	sum, cout := bits.Add64(a, b, carry)
	r := sum & m
	f := resultFlags(r, size)
	if size < 8 {
		cout = sum >> (8 * uint(size))
	}
	if cout != 0 {
		f |= ia32.RFLAGSCF
	}
	sign := uint64(1) << (8*uint(size) - 1)
	if (a^r)&(b^r)&sign != 0 {
		f |= ia32.RFLAGSOF
	}
	if (a^b^r)&0x10 != 0 {
		f |= ia32.RFLAGSAF
	}
	return r, f
}

func sub(a, b, borrow uint64, size int) (uint64, ia32.RFLAGS) {
	m := sizeMask(size)
	a, b = a&m, b&m
	diff, bout := bits.Sub64(a, b, borrow)
	r := diff & m
	f := resultFlags(r, size)
	if size < 8 && a < b+borrow {
		bout = 1
	}
	if bout != 0 {
		f |= ia32.RFLAGSCF
	}
	sign := uint64(1) << (8*uint(size) - 1)
	if (a^b)&(a^r)&sign != 0 {
		f |= ia32.RFLAGSOF
	}
	if (a^b^r)&0x10 != 0 {
		f |= ia32.RFLAGSAF
	}
	return r, f
}

func (c *CPU) binary(inst *x86asm.Inst) error {
	size := argSize(inst, inst.Args[0])
	a, err := c.load(inst, inst.Args[0], size)
	if err != nil {
		return err
	}
	b, err := c.load(inst, inst.Args[1], size)
	if err != nil {
		return err
	}
	var carry uint64
	if c.regs.RFLAGS&ia32.RFLAGSCF != 0 {
		carry = 1
	}
	var r uint64
	var f ia32.RFLAGS
	switch inst.Op {
	case x86asm.ADD:
		r, f = add(a, b, 0, size)
	case x86asm.ADC:
		r, f = add(a, b, carry, size)
	case x86asm.SUB, x86asm.CMP:
		r, f = sub(a, b, 0, size)
	case x86asm.SBB:
		r, f = sub(a, b, carry, size)
	case x86asm.AND, x86asm.TEST:
		r = a & b
		f = resultFlags(r, size)
	case x86asm.OR:
		r = a | b
		f = resultFlags(r, size)
	case x86asm.XOR:
		r = a ^ b
		f = resultFlags(r, size)
	}
	if inst.Op != x86asm.CMP && inst.Op != x86asm.TEST {
		if err := c.store(inst, inst.Args[0], size, r); err != nil {
			return err
		}
	}
	c.setFlags(arithFlags, f)
	return nil
}

func (c *CPU) unary(inst *x86asm.Inst) error {
	size := argSize(inst, inst.Args[0])
	a, err := c.load(inst, inst.Args[0], size)
	if err != nil {
		return err
	}
	var r uint64
	var f ia32.RFLAGS
	mask := arithFlags
	switch inst.Op {
	case x86asm.INC:
		r, f = add(a, 1, 0, size)
		mask &^= ia32.RFLAGSCF
	case x86asm.DEC:
		r, f = sub(a, 1, 0, size)
		mask &^= ia32.RFLAGSCF
	case x86asm.NEG:
		r, f = sub(0, a, 0, size)
	case x86asm.NOT:
		r, mask = ^a, 0
	}
	if err := c.store(inst, inst.Args[0], size, r&sizeMask(size)); err != nil {
		return err
	}
	c.setFlags(mask, f)
	return nil
}

func (c *CPU) shift(inst *x86asm.Inst) error {
	size := argSize(inst, inst.Args[0])
	a, err := c.load(inst, inst.Args[0], size)
	if err != nil {
		return err
	}
	n, err := c.load(inst, inst.Args[1], 1)
	if err != nil {
		return err
	}
	if size == 8 {
		n &= 0x3F
	} else {
		n &= 0x1F
	}
	if n == 0 {
		return nil
	}
	width := uint(8 * size)
	m := sizeMask(size)
	var r uint64
	var cf bool
	f := ia32.RFLAGS(0)
	mask := arithFlags &^ ia32.RFLAGSAF
	switch inst.Op {
	case x86asm.SHL:
		if uint(n) <= width {
			cf = a>>(width-uint(n))&1 != 0
		}
		r = a << n & m
		f = resultFlags(r, size)
	case x86asm.SHR:
		cf = a>>(n-1)&1 != 0
		r  = a >> n
		f  = resultFlags(r, size)
	case x86asm.SAR:
		s := signExtend(a, size)
		cf = uint64(int64(s)>>(n-1))&1 != 0
		r  = uint64(int64(s)>>n) & m
		f  = resultFlags(r, size)
	case x86asm.ROL:
		k := uint(n) % width
		r    = (a<<k | a>>(width-k)) & m
		cf   = r&1 != 0
		mask = ia32.RFLAGSCF | ia32.RFLAGSOF
	case x86asm.ROR:
		k := uint(n) % width
		r    = (a>>k | a<<(width-k)) & m
		cf   = r>>(width-1)&1 != 0
		mask = ia32.RFLAGSCF | ia32.RFLAGSOF
	}
	if cf {
		f |= ia32.RFLAGSCF
	}
	msb := r>>(width-1)&1 != 0
	switch inst.Op {
	case x86asm.SHL, x86asm.ROL:
		if msb != cf {
			f |= ia32.RFLAGSOF
		}
	case x86asm.SHR:
		if a>>(width-1)&1 != 0 {
			f |= ia32.RFLAGSOF
		}
	case x86asm.ROR:
		if msb != (r>>(width-2)&1 != 0) {
			f |= ia32.RFLAGSOF
		}
	}
	if err := c.store(inst, inst.Args[0], size, r); err != nil {
		return err
	}
	c.setFlags(mask, f)
	return nil
}

// imul implements the two- and three-operand forms.
func (c *CPU) imul(inst *x86asm.Inst) error {
	if inst.Args[1] == nil {
		return raise(ia32.InvalidOpcode)
	}
	size := argSize(inst, inst.Args[0])
	a, b := inst.Args[0], inst.Args[1]
	if inst.Args[2] != nil {
		a, b = inst.Args[1], inst.Args[2]
	}
	x, err := c.load(inst, a, size)
	if err != nil {
		return err
	}
	y, err := c.load(inst, b, size)
	if err != nil {
		return err
	}
	sx, sy := int64(signExtend(x, size)), int64(signExtend(y, size))
	hi, lo := bits.Mul64(uint64(sx), uint64(sy))
	if sx < 0 {
		hi -= uint64(sy)
	}
	if sy < 0 {
		hi -= uint64(sx)
	}
	r := lo & sizeMask(size)
	var f ia32.RFLAGS
	if size == 8 && hi != uint64(int64(lo)>>63) || size < 8 && signExtend(r, size) != lo {
		f = ia32.RFLAGSCF | ia32.RFLAGSOF
	}
	if err := c.store(inst, inst.Args[0], size, r); err != nil {
		return err
	}
	c.setFlags(ia32.RFLAGSCF|ia32.RFLAGSOF, f)
	return nil
}

func (c *CPU) mul(inst *x86asm.Inst) error {
	size := argSize(inst, inst.Args[0])
	y, err := c.load(inst, inst.Args[0], size)
	if err != nil {
		return err
	}
	x, _ := c.getReg(accumulator(size))
	hi, lo := bits.Mul64(x, y)
	if size < 8 {
		hi = lo >> (8 * uint(size))
		lo &= sizeMask(size)
	}
	if size == 1 {
		c.setReg(x86asm.AX, hi<<8|lo)
	} else {
		c.setReg(accumulator(size), lo)
		c.setReg(data(size), hi)
	}
	var f ia32.RFLAGS
	if hi != 0 {
		f = ia32.RFLAGSCF | ia32.RFLAGSOF
	}
	c.setFlags(ia32.RFLAGSCF|ia32.RFLAGSOF, f)
	return nil
}

func (c *CPU) div(inst *x86asm.Inst) error {
	size := argSize(inst, inst.Args[0])
	d, err := c.load(inst, inst.Args[0], size)
	if err != nil {
		return err
	}
	var hi, lo uint64
	if size == 1 {
		ax, _ := c.getReg(x86asm.AX)
		hi, lo = ax>>8, ax&0xFF
	} else {
		lo, _ = c.getReg(accumulator(size))
		hi, _ = c.getReg(data(size))
	}
	if d == 0 || hi >= d {
		return raise(ia32.DivideError)
	}
	var q, r uint64
	if size == 8 {
		q, r = bits.Div64(hi, lo, d)
	} else {
		n := hi<<(8*uint(size)) | lo
		q, r = n/d, n%d
	}
	if size == 1 {
		c.setReg(x86asm.AX, r<<8|q)
		return nil
	}
	c.setReg(accumulator(size), q)
	c.setReg(data(size), r)
	return nil
}

// str implements STOS, LODS and MOVS with an optional REP prefix.
func (c *CPU) str(inst *x86asm.Inst) error {
	size := map[x86asm.Op]int{
		x86asm.STOSB: 1, x86asm.STOSW: 2, x86asm.STOSD: 4, x86asm.STOSQ: 8,
		x86asm.LODSB: 1, x86asm.LODSW: 2, x86asm.LODSD: 4, x86asm.LODSQ: 8,
		x86asm.MOVSB: 1, x86asm.MOVSW: 2, x86asm.MOVSD: 4, x86asm.MOVSQ: 8,
	}[inst.Op]
	rep := hasPrefix(inst, x86asm.PrefixREP)
	delta := uint64(size)
	if c.regs.RFLAGS&ia32.RFLAGSDF != 0 {
		delta = -delta
	}
	for !rep || c.regs.GPR[ia32.RCX] != 0 {
		switch inst.Op {
		case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
			if err := c.writeN(c.regs.GPR[ia32.RDI], size, c.regs.GPR[ia32.RAX]); err != nil {
				return err
			}
			c.regs.GPR[ia32.RDI] += delta
		case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
			v, err := c.readN(c.regs.GPR[ia32.RSI], size)
			if err != nil {
				return err
			}
			c.setReg(accumulator(size), v)
			c.regs.GPR[ia32.RSI] += delta
		default:
			v, err := c.readN(c.regs.GPR[ia32.RSI], size)
			if err != nil {
				return err
			}
			if err := c.writeN(c.regs.GPR[ia32.RDI], size, v); err != nil {
				return err
			}
			c.regs.GPR[ia32.RSI] += delta
			c.regs.GPR[ia32.RDI] += delta
		}
		if !rep {
			break
		}
		c.regs.GPR[ia32.RCX]--
	}
	return nil
}
