package ia32

import (
	"encoding/binary"
	"fmt"
)

// SegmentRegister identifies one of the eight segment registers by its
// architectural index.
type SegmentRegister int

const (
	ES SegmentRegister = iota
	CS
	SS
	DS
	FS
	GS
	LDTR
	TR

	NumSegmentRegisters = 8
)

var segmentNames = [NumSegmentRegisters]string{"es", "cs", "ss", "ds", "fs", "gs", "ldtr", "tr"}

func (r SegmentRegister) String() string {
	if r < 0 || r >= NumSegmentRegisters {
		return fmt.Sprintf("seg(%d)", int(r))
	}
	return segmentNames[r]
}

// SegmentRegisters lists every segment register in index order.
func SegmentRegisters() []SegmentRegister {
	return []SegmentRegister{ES, CS, SS, DS, FS, GS, LDTR, TR}
}

// Selector is a segment selector.
type Selector uint16

func NewSelector(index uint16, ldt bool, rpl uint8) Selector {
	s := Selector(index<<3) | Selector(rpl&3)
	if ldt {
		s |= 1 << 2
	}
	return s
}

func (s Selector) Index() uint16 { return uint16(s) >> 3 }
func (s Selector) LDT() bool { return s&(1<<2) != 0 }
func (s Selector) RPL() uint8 { return uint8(s) & 3 }

// Null reports whether the selector refers to the null descriptor.
func (s Selector) Null() bool { return s&^3 == 0 }

// AccessRights is the segment access-rights word in the layout used by the
// VMCS: type 3:0, S 4, DPL 6:5, P 7, AVL 12, L 13, D/B 14, G 15, unusable 16.
type AccessRights uint32

const (
	AccessTypeMask AccessRights = 0xF
	AccessS        AccessRights = 1 << 4
	AccessP        AccessRights = 1 << 7
	AccessAVL      AccessRights = 1 << 12
	AccessL        AccessRights = 1 << 13
	AccessDB       AccessRights = 1 << 14
	AccessG        AccessRights = 1 << 15
	AccessUnusable AccessRights = 1 << 16

	// AccessValid masks the bits that carry meaning; the rest are reserved.
	AccessValid AccessRights = 0x1F0FF
)

// Segment descriptor types used by the core.
const (
	TypeDataRW       = 0x3
	TypeCodeExecRead = 0xB
	TypeLDT          = 0x2
	TypeTSSAvailable = 0x9
	TypeTSSBusy      = 0xB
)

func (a AccessRights) Type() uint8 { return uint8(a & AccessTypeMask) }
func (a AccessRights) System() bool { return a&AccessS == 0 }
func (a AccessRights) DPL() uint8 { return uint8(a>>5) & 3 }
func (a AccessRights) Present() bool { return a&AccessP != 0 }
func (a AccessRights) Long() bool { return a&AccessL != 0 }
func (a AccessRights) Default() bool { return a&AccessDB != 0 }
func (a AccessRights) Granular() bool { return a&AccessG != 0 }
func (a AccessRights) Unusable() bool { return a&AccessUnusable != 0 }

// WithDPL returns a copy with the descriptor privilege level replaced.
func (a AccessRights) WithDPL(dpl uint8) AccessRights {
	return a&^(3<<5) | AccessRights(dpl&3)<<5
}

// Segment is the full state of a segment register: the visible selector and
// the hidden descriptor cache.
type Segment struct {
	Selector Selector
	Base     uint64
	Limit    uint32
	Access   AccessRights
}

// DescriptorTable is the value of GDTR or IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// Entries returns the number of 8-byte slots the table covers.
func (d DescriptorTable) Entries() int { return (int(d.Limit) + 1) / 8 }

// GDTEntry encodes an 8-byte code/data or the low half of a system
// descriptor. flags carries the access byte in bits 7:0 and the AVL/L/DB/G
// nibble in bits 15:12.
func GDTEntry(flags uint16, base uint32, limit uint32) uint64 {
	return (uint64(base)&0xFF000000)<<(56-24) |
		(uint64(flags)&0x0000F0FF)<<40 |
		(uint64(limit)&0x000F0000)<<(48-16) |
		(uint64(base)&0x00FFFFFF)<<16 |
		(uint64(limit) & 0x0000FFFF)
}

// SystemEntry encodes a 16-byte long-mode system descriptor (LDT or TSS).
func SystemEntry(flags uint16, base uint64, limit uint32) (lo, hi uint64) {
	return GDTEntry(flags, uint32(base), limit), base >> 32
}

// FlagsFromAccess converts VMCS access rights into the GDTEntry flags layout.
func FlagsFromAccess(a AccessRights) uint16 {
	return uint16(a & 0xF0FF)
}

func entryBase(entry uint64) uint64 {
	return (entry&0xFF00000000000000)>>32 | (entry&0x000000FF00000000)>>16 | (entry&0x00000000FFFF0000)>>16
}

func entryLimit(entry uint64) uint32 {
	l := uint32((entry&0x000F000000000000)>>32 | entry&0x000000000000FFFF)
	if entry&0x0080000000000000 != 0 {
		return l<<12 | 0xFFF
	}
	return l
}

func entryAccess(entry uint64) AccessRights {
	a := AccessRights(entry>>40) & 0xF0FF
	if a&AccessP == 0 {
		a |= AccessUnusable
	}
	return a
}

// SegmentFromGDT decodes the descriptor selected by sel from the raw bytes
// of a descriptor table. System descriptors occupy two slots and carry the
// upper 32 bits of the base in the second one. A null selector yields an
// unusable segment.
func SegmentFromGDT(table []byte, sel Selector) (Segment, error) {
	if sel.Null() {
		return Segment{Selector: sel, Access: AccessUnusable}, nil
	}
	off := int(sel.Index()) * 8
	if off+8 > len(table) {
		return Segment{}, fmt.Errorf("%w: selector %#x beyond table limit %#x", ErrBadSelector, uint16(sel), len(table))
	}
	entry := binary.LittleEndian.Uint64(table[off:])
	seg := Segment{
		Selector: sel,
		Base:     entryBase(entry),
		Limit:    entryLimit(entry),
		Access:   entryAccess(entry),
	}
	if seg.Access.System() && seg.Access.Present() {
		if off+16 > len(table) {
			return Segment{}, fmt.Errorf("%w: system selector %#x truncated", ErrBadSelector, uint16(sel))
		}
		seg.Base |= uint64(binary.LittleEndian.Uint32(table[off+8:])) << 32
	}
	return seg, nil
}

// PutEntry stores an 8-byte descriptor at slot index of table.
func PutEntry(table []byte, index int, entry uint64) {
	binary.LittleEndian.PutUint64(table[index*8:], entry)
}

// MarkBusy sets the busy bit of the TSS descriptor selected by sel, as LTR
// does.
func MarkBusy(table []byte, sel Selector) {
	off := int(sel.Index())*8 + 5
	if off < len(table) {
		table[off] |= 0x2
	}
}
