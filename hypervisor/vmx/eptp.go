package vmx

import "fmt"

// EPT memory types as encoded in the EPT pointer and leaf entries.
const (
	MemoryTypeUncached     = 0
	MemoryTypeWriteCombine = 1
	MemoryTypeWriteThrough = 4
	MemoryTypeWriteProtect = 5
	MemoryTypeWriteBack    = 6
)

// EPTP is the extended-page-table pointer VMCS field: memory type in bits
// 2:0, page-walk length minus one in bits 5:3, accessed/dirty enable in bit
// 6 and the physical address of the PML4 table above bit 12.
type EPTP uint64

const eptpAccessDirty EPTP = 1 << 6

// NewEPTP encodes an EPT pointer for a table rooted at pml4 with the given
// walk length (4 for a PML4 root).
func NewEPTP(pml4 uint64, memoryType uint8, walkLength int, accessDirty bool) EPTP {
	p := EPTP(pml4&^0xFFF) | EPTP(memoryType&7) | EPTP((walkLength-1)&7)<<3
	if accessDirty {
		p |= eptpAccessDirty
	}
	return p
}

func (p EPTP) MemoryType() uint8 { return uint8(p & 7) }
func (p EPTP) WalkLength() int { return int(p>>3&7) + 1 }
func (p EPTP) AccessDirty() bool { return p&eptpAccessDirty != 0 }
func (p EPTP) Root() uint64 { return uint64(p) &^ 0xFFF }

func (p EPTP) String() string {
	return fmt.Sprintf("eptp{root=%#x type=%d walk=%d ad=%v}", p.Root(), p.MemoryType(), p.WalkLength(), p.AccessDirty())
}
