package ept

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/set-io/vtx/hypervisor/vmx"
)

// Entry is one EPT paging-structure entry.
type Entry uint64

const (
	Read      Entry = 1 << 0
	Write     Entry = 1 << 1
	Execute   Entry = 1 << 2
	IgnorePAT Entry = 1 << 6
	Large     Entry = 1 << 7
	Accessed  Entry = 1 << 8
	Dirty     Entry = 1 << 9

	// RWX grants every access.
	RWX = Read | Write | Execute

	memTypeShift = 3
	addrMask     = 0x000F_FFFF_FFFF_F000
)

func (e Entry) Present() bool { return e&RWX != 0 }
func (e Entry) Access() Entry { return e & RWX }
func (e Entry) Addr() uint64 { return uint64(e) & addrMask }
func (e Entry) MemoryType() uint8 { return uint8(e>>memTypeShift) & 7 }

// Misconfigured reports entries the processor rejects with an EPT
// misconfiguration: write without read, or a reserved leaf memory type.
func (e Entry) Misconfigured(leaf bool) bool {
	if e&(Read|Write) == Write {
		return true
	}
	if leaf {
		switch e.MemoryType() {
		case 2, 3, 7:
			return true
		}
	}
	return false
}

func (e Entry) String() string {
	return fmt.Sprintf("ept{addr=%#x access=%03b type=%d large=%v}", e.Addr(), uint64(e.Access()), e.MemoryType(), e&Large != 0)
}

func table(addr uint64) Entry { return Entry(addr&addrMask) | RWX }

func leaf(addr uint64, access Entry, memType uint8, large bool) Entry {
	e := Entry(addr&addrMask) | access&RWX | Entry(memType&7)<<memTypeShift
	if large {
		e |= Large
	}
	return e
}

// MemoryType converts a host memory type into its EPT encoding.
func MemoryType(t hostarch.MemoryType) uint8 {
	switch t {
	case hostarch.MemoryTypeWriteCombine:
		return vmx.MemoryTypeWriteCombine
	case hostarch.MemoryTypeUncached:
		return vmx.MemoryTypeUncached
	}
	return vmx.MemoryTypeWriteBack
}

// ParseMemoryType parses the configuration spelling of a memory type.
func ParseMemoryType(s string) (hostarch.MemoryType, error) {
	switch s {
	case "", "wb", "writeback":
		return hostarch.MemoryTypeWriteBack, nil
	case "wc", "writecombine":
		return hostarch.MemoryTypeWriteCombine, nil
	case "uc", "uncached":
		return hostarch.MemoryTypeUncached, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrMemoryType, s)
}
