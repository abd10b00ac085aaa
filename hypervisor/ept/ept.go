// Package ept builds and owns the extended page tables that translate
// guest-physical addresses to host-physical addresses.
package ept

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// Root is one four-level EPT hierarchy. The tables are allocated from the
// supplied allocator and released by Destroy.
type Root struct {
	mu          sync.Mutex
	alloc       memory.Allocator
	phys        memory.Physical
	pml4        memory.Region
	tables      []memory.Region
	memoryType  hostarch.MemoryType
	accessDirty bool
	destroyed   bool
}

// Option configures a Root.
type Option func(*Root)

// WithMemoryType sets the memory type of the paging structures and of
// identity mappings.
func WithMemoryType(t hostarch.MemoryType) Option {
	return func(r *Root) { r.memoryType = t }
}

// WithAccessDirty enables accessed and dirty flags in the EPT pointer.
func WithAccessDirty(on bool) Option {
	return func(r *Root) { r.accessDirty = on }
}

// New allocates an empty PML4 table.
func New(alloc memory.Allocator, phys memory.Physical, opts ...Option) (*Root, error) {
	r := &Root{alloc: alloc, phys: phys}
	for _, o := range opts {
		o(r)
	}
	pml4, err := alloc.Alloc(1)
	if err != nil {
		return nil, fmt.Errorf("allocate pml4: %w", err)
	}
	r.pml4 = pml4
	r.tables = append(r.tables, pml4)
	return r, nil
}

// PhysicalBase returns the physical address of the PML4 table.
func (r *Root) PhysicalBase() uint64 { return r.pml4.PA }

// Pointer returns the EPT pointer value for the VMCS.
func (r *Root) Pointer() vmx.EPTP {
	return vmx.NewEPTP(r.pml4.PA, MemoryType(r.memoryType), levels, r.accessDirty)
}

// MemoryType returns the memory type used for identity mappings.
func (r *Root) MemoryType() hostarch.MemoryType { return r.memoryType }

// Tables returns the number of paging-structure pages owned by the root.
func (r *Root) Tables() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}

// Map maps [gpa, gpa+size) to [hpa, hpa+size) with the given access. 2-MByte
// pages are used wherever both addresses and the remaining size allow.
func (r *Root) Map(gpa, hpa, size uint64, access Entry) error {
	return r.mapRange(gpa, hpa, size, access, MemoryType(r.memoryType))
}

// MapIdentity maps [start, end) onto itself with full access.
func (r *Root) MapIdentity(start, end uint64) error {
	return r.mapRange(start, start, end-start, RWX, MemoryType(r.memoryType))
}

func (r *Root) mapRange(gpa, hpa, size uint64, access Entry, memType uint8) error {
	if gpa%memory.PageSize != 0 || hpa%memory.PageSize != 0 || size%memory.PageSize != 0 {
		return fmt.Errorf("%w: gpa=%#x hpa=%#x size=%#x", ErrUnaligned, gpa, hpa, size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	for size > 0 {
		level, span := 1, uint64(memory.PageSize)
		if gpa%size2M == 0 && hpa%size2M == 0 && size >= size2M {
			level, span = 2, size2M
		}
		if err := r.set(gpa, level, leaf(hpa, access, memType, level > 1)); err != nil {
			return err
		}
		gpa += span
		hpa += span
		size -= span
	}
	return nil
}

// set installs e as the level entry covering gpa, creating intermediate
// tables on the way.
func (r *Root) set(gpa uint64, level int, e Entry) error {
	tbl := r.pml4.PA
	for l := levels; l > level; l-- {
		i := index(gpa, l)
		cur, err := readEntry(r.phys, tbl, i)
		if err != nil {
			return err
		}
		if cur.Present() && cur&Large != 0 {
			return fmt.Errorf("%w: %#x inside large page", ErrMapped, gpa)
		}
		if !cur.Present() {
			t, err := r.alloc.Alloc(1)
			if err != nil {
				return fmt.Errorf("allocate level %d table: %w", l-1, err)
			}
			r.tables = append(r.tables, t)
			cur = table(t.PA)
			if err := writeEntry(r.phys, tbl, i, cur); err != nil {
				return err
			}
		}
		tbl = cur.Addr()
	}
	return writeEntry(r.phys, tbl, index(gpa, level), e)
}

// Unmap clears the leaf entries covering [gpa, gpa+size). Tables are kept.
func (r *Root) Unmap(gpa, size uint64) error {
	if gpa%memory.PageSize != 0 || size%memory.PageSize != 0 {
		return fmt.Errorf("%w: gpa=%#x size=%#x", ErrUnaligned, gpa, size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for end := gpa + size; gpa < end; {
		t, err := Walk(r.phys, r.pml4.PA, gpa)
		if err != nil {
			return err
		}
		span := uint64(1) << (pageShift + 9*uint(t.Level-1))
		if t.Present {
			if err := r.clear(gpa, t.Level); err != nil {
				return err
			}
		}
		gpa = (gpa &^ (span - 1)) + span
	}
	return nil
}

func (r *Root) clear(gpa uint64, level int) error {
	tbl := r.pml4.PA
	for l := levels; l > level; l-- {
		e, err := readEntry(r.phys, tbl, index(gpa, l))
		if err != nil {
			return err
		}
		tbl = e.Addr()
	}
	return writeEntry(r.phys, tbl, index(gpa, level), 0)
}

// SetAccess changes the access of the 4-KByte page containing gpa, splitting
// a 2-MByte mapping if needed.
func (r *Root) SetAccess(gpa uint64, access Entry) error {
	gpa &^= memory.PageSize - 1
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := Walk(r.phys, r.pml4.PA, gpa)
	if err != nil {
		return err
	}
	if !t.Present {
		return fmt.Errorf("%w: %#x not mapped", ErrNotMapped, gpa)
	}
	if t.Level == 2 {
		base := gpa &^ (size2M - 1)
		hbase := t.Leaf.Addr()
		if err := r.clear(base, 2); err != nil {
			return err
		}
		for off := uint64(0); off < size2M; off += memory.PageSize {
			if err := r.set(base+off, 1, leaf(hbase+off, t.Leaf.Access(), t.Leaf.MemoryType(), false)); err != nil {
				return err
			}
		}
	}
	return r.set(gpa, 1, leaf(t.HPA&^(memory.PageSize-1), access, t.Leaf.MemoryType(), false))
}

// Translate walks the tables for gpa.
func (r *Root) Translate(gpa uint64) (Translation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Walk(r.phys, r.pml4.PA, gpa)
}

// Destroy releases every table. The root must no longer be referenced by
// an active VMCS.
func (r *Root) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	for _, t := range r.tables {
		r.alloc.Free(t)
	}
	r.tables = nil
	r.destroyed = true
}
