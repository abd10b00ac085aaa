package ept

import (
	"encoding/binary"
	"fmt"

	"github.com/set-io/vtx/hypervisor/memory"
)

const (
	levels     = 4
	entriesPer = 512
	pageShift  = 12
	size2M     = 1 << 21
	size1G     = 1 << 30
)

func index(gpa uint64, level int) int {
	return int(gpa>>(pageShift+9*uint(level-1))) & (entriesPer - 1)
}

// Translation is the outcome of walking the EPT for one guest-physical
// address.
type Translation struct {
	// HPA is the host-physical address; valid only when Present.
	HPA uint64
	// Access is the access the walk grants, the intersection of every level.
	Access Entry
	// Leaf is the final entry reached, or the first non-present one.
	Leaf Entry
	// Level is the paging level of Leaf (1 for a 4-KByte page).
	Level int
	Present bool
}

// Walk translates gpa through the EPT rooted at the PML4 table pml4, reading
// paging structures through phys the way the processor does.
func Walk(phys memory.Physical, pml4 uint64, gpa uint64) (Translation, error) {
	tbl := pml4
	access := RWX
	for level := levels; level >= 1; level-- {
		b, err := phys.Bytes(tbl+uint64(index(gpa, level))*8, 8)
		if err != nil {
			return Translation{}, fmt.Errorf("read level %d table: %w", level, err)
		}
		e := Entry(binary.LittleEndian.Uint64(b))
		if !e.Present() {
			return Translation{Leaf: e, Level: level}, nil
		}
		isLeaf := level == 1 || e&Large != 0
		if e.Misconfigured(isLeaf) {
			return Translation{Leaf: e, Level: level}, fmt.Errorf("%w: level %d entry %v", ErrMisconfigured, level, e)
		}
		access &= e.Access()
		if isLeaf {
			span := uint64(1) << (pageShift + 9*uint(level-1))
			return Translation{
				HPA:     e.Addr()&^(span-1) | gpa&(span-1),
				Access:  access,
				Leaf:    e,
				Level:   level,
				Present: true,
			}, nil
		}
		tbl = e.Addr()
	}
	return Translation{}, nil
}

func readEntry(phys memory.Physical, tbl uint64, i int) (Entry, error) {
	b, err := phys.Bytes(tbl+uint64(i)*8, 8)
	if err != nil {
		return 0, err
	}
	return Entry(binary.LittleEndian.Uint64(b)), nil
}

func writeEntry(phys memory.Physical, tbl uint64, i int, e Entry) error {
	b, err := phys.Bytes(tbl+uint64(i)*8, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, uint64(e))
	return nil
}
