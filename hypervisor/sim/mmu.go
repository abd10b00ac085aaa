package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/set-io/vtx/hypervisor/ept"
	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/vmx"
)

type access uint8

const (
	accessRead access = iota
	accessWrite
	accessFetch
)

const (
	ptePresent  = 1 << 0
	pteWrite    = 1 << 1
	pteLarge    = 1 << 7
	pteNX       = 1 << 63
	pteAddrMask = 0x000F_FFFF_FFFF_F000
)

// phys returns host memory backing a physical address.
func (c *CPU) phys(pa uint64, n int) ([]byte, error) {
	b, err := c.mem.Bytes(pa, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return b, nil
}

// translate maps a linear address to a host-physical one through the guest
// page tables and, in VMX non-root operation with EPT, the EPT.
func (c *CPU) translate(la uint64, acc access) (uint64, error) {
	if !canonical(la) {
		return 0, raiseCode(ia32.GeneralProtection, 0)
	}
	gpa := la
	if c.cr0&ia32.CR0PG != 0 {
		var err error
		if gpa, err = c.walk(la, acc); err != nil {
			return 0, err
		}
	}
	return c.guestPhysical(gpa, la, true, acc)
}

// walk translates la with 4-level paging.
func (c *CPU) walk(la uint64, acc access) (uint64, error) {
	var code ia32.PageFaultError
	switch acc {
	case accessWrite:
		code |= ia32.PFWrite
	case accessFetch:
		if c.efer&ia32.EFERNXE != 0 {
			code |= ia32.PFFetch
		}
	}
	tbl := c.cr3.PageFrame()
	writable, nx := true, false
	for level := 4; level >= 1; level-- {
		shift := 12 + 9*uint(level-1)
		ea := tbl + (la>>shift&0x1FF)*8
		hpa, err := c.guestPhysical(ea, la, false, accessRead)
		if err != nil {
			return 0, err
		}
		b, err := c.phys(hpa, 8)
		if err != nil {
			return 0, err
		}
		e := binary.LittleEndian.Uint64(b)
		if e&ptePresent == 0 {
			return 0, pageFault(la, code)
		}
		writable = writable && e&pteWrite != 0
		nx       = nx || (e&pteNX != 0 && c.efer&ia32.EFERNXE != 0)
		if level > 1 && (level > 3 || e&pteLarge == 0) {
			tbl = e & pteAddrMask
			continue
		}
		switch {
		case acc == accessWrite && !writable && c.cr0&ia32.CR0WP != 0:
			return 0, pageFault(la, code|ia32.PFPresent)
		case acc == accessFetch && nx:
			return 0, pageFault(la, code|ia32.PFPresent)
		}
		span := uint64(1) << shift
		return e&pteAddrMask&^(span-1) | la&(span-1), nil
	}
	return 0, pageFault(la, code)
}

// guestPhysical applies the EPT to a guest-physical address. final is false
// for accesses to the guest paging structures.
func (c *CPU) guestPhysical(gpa, la uint64, final bool, acc access) (uint64, error) {
	if !c.guest || c.proc2Ctls()&vmx.Proc2EnableEPT == 0 {
		return gpa, nil
	}
	eptp := vmx.EPTP(c.field(vmx.EPTPointer))
	t, err := ept.Walk(c.mem, eptp.Root(), gpa)
	switch {
	case errors.Is(err, ept.ErrMisconfigured):
		return 0, &exitRequest{vmexit{reason: vmx.ExitEPTMisconfiguration, gpa: gpa}}
	case err != nil:
		return 0, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	need, q := ept.Read, vmx.EPTLinearValid|vmx.EPTRead
	switch acc {
	case accessWrite:
		need, q = ept.Write, vmx.EPTLinearValid|vmx.EPTWrite
	case accessFetch:
		need, q = ept.Execute, vmx.EPTLinearValid|vmx.EPTFetch
	}
	if t.Present && t.Access&need != 0 {
		return t.HPA, nil
	}
	if t.Present {
		if t.Access&ept.Read != 0 {
			q |= vmx.EPTReadable
		}
		if t.Access&ept.Write != 0 {
			q |= vmx.EPTWritable
		}
		if t.Access&ept.Execute != 0 {
			q |= vmx.EPTExecutable
		}
	}
	if final {
		q |= vmx.EPTFinalTranslation
	}
	return 0, &exitRequest{vmexit{reason: vmx.ExitEPTViolation, qual: uint64(q), gpa: gpa, gla: la}}
}

// readMem reads linear memory, page by page.
func (c *CPU) readMem(la uint64, p []byte, acc access) error {
	for len(p) > 0 {
		n := min(len(p), int(memory.PageSize-la%memory.PageSize))
		pa, err := c.translate(la, acc)
		if err != nil {
			return err
		}
		b, err := c.phys(pa, n)
		if err != nil {
			return err
		}
		copy(p[:n], b)
		p = p[n:]
		la += uint64(n)
	}
	return nil
}

// writeMem writes linear memory. Every page is translated before any byte
// is stored so a fault leaves memory untouched.
func (c *CPU) writeMem(la uint64, p []byte) error {
	var chunks [][]byte
	for off := 0; off < len(p); {
		a := la + uint64(off)
		n := min(len(p)-off, int(memory.PageSize-a%memory.PageSize))
		pa, err := c.translate(a, accessWrite)
		if err != nil {
			return err
		}
		b, err := c.phys(pa, n)
		if err != nil {
			return err
		}
		chunks = append(chunks, b)
		off += n
	}
	for _, b := range chunks {
		p = p[copy(b, p):]
	}
	return nil
}

func (c *CPU) readN(la uint64, size int) (uint64, error) {
	var b [8]byte
	if err := c.readMem(la, b[:size], accessRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (c *CPU) writeN(la uint64, size int, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return c.writeMem(la, b[:size])
}

// fetch reads up to 15 instruction bytes at RIP. A fault past the first
// page is returned alongside the bytes that could be read.
func (c *CPU) fetch() ([]byte, error) {
	var buf [15]byte
	rip := c.regs.RIP
	first := min(len(buf), int(memory.PageSize-rip%memory.PageSize))
	if err := c.readMem(rip, buf[:first], accessFetch); err != nil {
		return nil, err
	}
	if first == len(buf) {
		return buf[:], nil
	}
	if err := c.readMem(rip+uint64(first), buf[first:], accessFetch); err != nil {
		return buf[:first], err
	}
	return buf[:], nil
}
