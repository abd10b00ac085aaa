package vmx

import "github.com/set-io/vtx/hypervisor/ia32"

// PageSize is the size of every VMX region and bitmap page.
const PageSize = 4096

// MSRBitmap is a view over the 4-KByte MSR bitmap page. A set bit causes
// RDMSR or WRMSR of that MSR to exit.
type MSRBitmap []byte

const (
	msrReadLow   = 0x000
	msrReadHigh  = 0x400
	msrWriteLow  = 0x800
	msrWriteHigh = 0xC00
)

func (b MSRBitmap) locate(m ia32.MSR, write bool) (byteOff int, bit uint, ok bool) {
	var base int
	switch {
	case m.InLowRange():
		base = msrReadLow
	case m.InHighRange():
		base = msrReadHigh
		m -= 0xC0000000
	default:
		return 0, 0, false
	}
	if write {
		base += msrWriteLow
	}
	return base + int(m/8), uint(m % 8), true
}

// Intercept sets or clears the read and write intercepts of m.
func (b MSRBitmap) Intercept(m ia32.MSR, read, write bool) {
	b.set(m, false, read)
	b.set(m, true, write)
}

func (b MSRBitmap) set(m ia32.MSR, write, on bool) {
	off, bit, ok := b.locate(m, write)
	if !ok {
		return
	}
	if on {
		b[off] |= 1 << bit
	} else {
		b[off] &^= 1 << bit
	}
}

// Exits reports whether an access to m exits. MSRs outside both ranges
// always exit.
func (b MSRBitmap) Exits(m ia32.MSR, write bool) bool {
	off, bit, ok := b.locate(m, write)
	if !ok {
		return true
	}
	return b[off]&(1<<bit) != 0
}

// IOBitmap is a view over the two consecutive 4-KByte I/O bitmap pages A
// (ports 0x0000-0x7FFF) and B (ports 0x8000-0xFFFF).
type IOBitmap struct {
	A []byte
	B []byte
}

func (b IOBitmap) page(port uint16) ([]byte, uint16) {
	if port < 0x8000 {
		return b.A, port
	}
	return b.B, port - 0x8000
}

// Intercept sets or clears the intercept of a single port.
func (b IOBitmap) Intercept(port uint16, on bool) {
	p, idx := b.page(port)
	if on {
		p[idx/8] |= 1 << (idx % 8)
	} else {
		p[idx/8] &^= 1 << (idx % 8)
	}
}

// Exits reports whether an access of size bytes starting at port exits.
// Accesses wrapping past 0xFFFF always exit.
func (b IOBitmap) Exits(port uint16, size int) bool {
	for i := 0; i < size; i++ {
		pt := uint32(port) + uint32(i)
		if pt > 0xFFFF {
			return true
		}
		p, idx := b.page(uint16(pt))
		if p[idx/8]&(1<<(idx%8)) != 0 {
			return true
		}
	}
	return false
}
