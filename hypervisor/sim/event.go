package sim

import (
	"encoding/binary"
	"errors"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

const (
	gateInterrupt = 0xE
	gateTrap      = 0xF
)

// gate encodes a 64-bit IDT gate descriptor.
func gate(target uint64, sel ia32.Selector, kind uint8) (lo, hi uint64) {
	lo = target&0xFFFF |
		uint64(sel)<<16 |
		uint64(kind&0xF)<<40 |
		1<<47 |
		(target>>16&0xFFFF)<<48
	return lo, target >> 32
}

// event is an interrupt or exception on its way through the IDT.
type event struct {
	vector  ia32.Vector
	kind    vmx.InterruptType
	code    uint32
	hasCode bool
	// length is the instruction length of a software event.
	length int
	// addr is the faulting address of a page fault.
	addr uint64
}

func (e event) info() vmx.InterruptionInfo {
	return vmx.NewInterruptionInfo(e.vector, e.kind, e.hasCode, false)
}

func hardware(f *fault) event {
	return event{vector: f.vector, kind: vmx.HardwareException, code: f.code, hasCode: f.hasCode, addr: f.addr}
}

// deliver pushes the interrupt frame and jumps through the IDT gate. The
// return address skips the instruction for software events.
func (c *CPU) deliver(ev event) error {
	off := uint64(ev.vector) * 16
	external := !ev.kind.Software()
	if off+15 > uint64(c.idtr.Limit) {
		return raiseCode(ia32.GeneralProtection, ia32.SelectorError(uint16(ev.vector), true, external))
	}
	var g [16]byte
	if err := c.readMem(c.idtr.Base+off, g[:], accessRead); err != nil {
		return err
	}
	lo, hi := binary.LittleEndian.Uint64(g[0:]), binary.LittleEndian.Uint64(g[8:])
	kind := uint8(lo>>40) & 0xF
	if kind != gateInterrupt && kind != gateTrap {
		return raiseCode(ia32.GeneralProtection, ia32.SelectorError(uint16(ev.vector), true, external))
	}
	if lo&(1<<47) == 0 {
		return raiseCode(ia32.SegmentNotPresent, ia32.SelectorError(uint16(ev.vector), true, external))
	}
	target := lo&0xFFFF | (lo>>48&0xFFFF)<<16 | hi<<32

	ret := c.regs.RIP
	if ev.kind.Software() {
		ret += uint64(ev.length)
	}
	frame := []uint64{
		uint64(c.seg[ia32.SS].Selector),
		c.regs.GPR[ia32.RSP],
		uint64(c.regs.RFLAGS),
		uint64(c.seg[ia32.CS].Selector),
		ret,
	}
	if ev.hasCode {
		frame = append(frame, uint64(ev.code))
	}
	buf := make([]byte, 8*len(frame))
	for i, v := range frame {
		binary.LittleEndian.PutUint64(buf[8*(len(frame)-1-i):], v)
	}
	rsp := c.regs.GPR[ia32.RSP]&^0xF - uint64(len(buf))
	if err := c.writeMem(rsp, buf); err != nil {
		return err
	}

	if ev.kind == vmx.HardwareException && ev.vector == ia32.PageFault {
		c.cr2 = ev.addr
	}
	c.regs.GPR[ia32.RSP] = rsp
	c.regs.RIP = target
	c.seg[ia32.CS].Selector = ia32.Selector(lo >> 16)
	c.regs.RFLAGS &^= ia32.RFLAGSTF | ia32.RFLAGSNT | ia32.RFLAGSRF | ia32.RFLAGSVM
	if kind == gateInterrupt {
		c.regs.RFLAGS &^= ia32.RFLAGSIF
	}
	c.activity = vmx.ActivityActive
	return nil
}

// contributory reports the exception classes that escalate to #DF.
func contributory(v ia32.Vector) bool {
	switch v {
	case ia32.DivideError, ia32.InvalidTSS, ia32.SegmentNotPresent, ia32.StackFault, ia32.GeneralProtection:
		return true
	}
	return false
}

// escalate combines a fault raised while delivering prev into the event
// the processor delivers next. It reports a triple fault.
func escalate(prev event, f *fault) (event, bool) {
	next := hardware(f)
	if prev.kind != vmx.HardwareException {
		return next, false
	}
	switch {
	case prev.vector == ia32.DoubleFault:
		return event{}, true
	case contributory(prev.vector) && contributory(f.vector),
		prev.vector == ia32.PageFault && (f.vector == ia32.PageFault || contributory(f.vector)):
		return event{vector: ia32.DoubleFault, kind: vmx.HardwareException, hasCode: true}, false
	}
	return next, false
}

// intercepted reports whether the exception bitmap turns ev into a VM
// exit.
func (c *CPU) intercepted(ev event) bool {
	switch ev.kind {
	case vmx.HardwareException, vmx.SoftwareException, vmx.PrivilegedSoftwareException:
	default:
		return false
	}
	bit := c.field(vmx.ExceptionBitmap)>>ev.vector&1 != 0
	if ev.vector != ia32.PageFault || ev.kind != vmx.HardwareException {
		return bit
	}
	mask, match := uint32(c.field(vmx.PageFaultErrorCodeMask)), uint32(c.field(vmx.PageFaultErrorCodeMatch))
	return bit == (ev.code&mask == match)
}

// raiseEvent delivers ev, or exits when the guest intercepts it. vectoring
// is the event whose delivery caused ev, if any.
func (c *CPU) raiseEvent(ev event, vectoring *event) error {
	for {
		if c.guest && c.intercepted(ev) {
			e := vmexit{reason: vmx.ExitExceptionOrNMI, intr: ev.info(), intrCode: ev.code, length: ev.length}
			switch ev.vector {
			case ia32.PageFault:
				e.qual = ev.addr
			case ia32.Debug:
				e.qual = c.dr[6] &^ uint64(ia32.DR6Fixed)
			}
			if vectoring != nil {
				e.vectoring, e.vectorCode = vectoring.info(), vectoring.code
			}
			return &exitRequest{e}
		}
		err := c.deliver(ev)
		var f *fault
		if !errors.As(err, &f) {
			var x *exitRequest
			if errors.As(err, &x) && x.exit.vectoring == 0 {
				x.exit.vectoring, x.exit.vectorCode = ev.info(), ev.code
			}
			return err
		}
		next, triple := escalate(ev, f)
		if triple {
			return c.tripleFault()
		}
		prev := ev
		vectoring, ev = &prev, next
	}
}

func (c *CPU) tripleFault() error {
	if c.guest {
		return &exitRequest{vmexit{reason: vmx.ExitTripleFault}}
	}
	return ErrTripleFault
}

// handle turns an instruction fault into event delivery. Other errors are
// returned unchanged.
func (c *CPU) handle(err error) error {
	var f *fault
	if errors.As(err, &f) {
		return c.raiseEvent(hardware(f), nil)
	}
	return err
}

// inject delivers the event in the VM-entry interruption-information field.
func (c *CPU) inject() error {
	info := vmx.InterruptionInfo(c.field(vmx.EntryInterruptionInfo))
	if !info.Valid() {
		return nil
	}
	ev := event{vector: info.Vector(), kind: info.Type(), hasCode: info.ErrorCodeValid()}
	if ev.hasCode {
		ev.code = uint32(c.field(vmx.EntryExceptionErrorCode))
	}
	if ev.kind.Software() {
		ev.length = int(c.field(vmx.EntryInstructionLength))
	}
	if ev.kind == vmx.HardwareException && ev.vector == ia32.PageFault {
		// Injected page faults do not touch CR2.
		ev.addr = c.cr2
	}
	err := c.deliver(ev)
	var f *fault
	if !errors.As(err, &f) {
		return err
	}
	next, triple := escalate(ev, f)
	if triple {
		return c.tripleFault()
	}
	return c.raiseEvent(next, &ev)
}
