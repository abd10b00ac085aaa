// Package memory provides the page allocator the hypervisor core carves its
// control structures from. Pages come out of one anonymous mapping and are
// addressed by a physical address inside a contiguous window starting at
// the pool base.
package memory

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// PageSize is the allocation granule.
const PageSize = hostarch.PageSize

// DefaultBase is the physical address of the first pool page.
const DefaultBase = 0x10_0000

// Region is a physically contiguous run of pages.
type Region struct {
	PA    uint64
	Bytes []byte
}

// Pages returns the number of pages the region covers.
func (r Region) Pages() int { return len(r.Bytes) / PageSize }

// End returns the first physical address past the region.
func (r Region) End() uint64 { return r.PA + uint64(len(r.Bytes)) }

// Allocator hands out page-aligned, zeroed, physically addressable memory.
type Allocator interface {
	Alloc(pages int) (Region, error)
	Free(r Region)
}

// Physical resolves physical addresses to host memory.
type Physical interface {
	Bytes(pa uint64, n int) ([]byte, error)
}

// Pool is an Allocator and Physical over one mmap'd arena.
type Pool struct {
	mu   sync.Mutex
	mem  []byte
	base uint64
	used []bool
	free int
}

// NewPool maps size bytes (rounded up to whole pages) and exposes them at
// physical address base.
func NewPool(base uint64, size int) (*Pool, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("%w: base %#x", ErrUnaligned, base)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrExhausted, size)
	}
	rounded, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return nil, fmt.Errorf("%w: size %d", ErrBadRequest, size)
	}
	size = int(rounded)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	n := size / PageSize
	return &Pool{mem: mem, base: base, used: make([]bool, n), free: n}, nil
}

// Close unmaps the arena. Regions handed out become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

func (p *Pool) Base() uint64 { return p.base }

func (p *Pool) Size() int { return len(p.used) * PageSize }

// Available returns the number of free pages.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Alloc returns pages contiguous pages, zeroed. It fails with ErrExhausted
// when no run of that length is free.
func (p *Pool) Alloc(pages int) (Region, error) {
	if pages <= 0 {
		return Region{}, fmt.Errorf("%w: %d pages", ErrBadRequest, pages)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return Region{}, ErrClosed
	}
	run := 0
	for i := range p.used {
		if p.used[i] {
			run = 0
			continue
		}
		run++
		if run < pages {
			continue
		}
		first := i - pages + 1
		for j := first; j <= i; j++ {
			p.used[j] = true
		}
		p.free -= pages
		b := p.mem[first*PageSize : (i+1)*PageSize : (i+1)*PageSize]
		clear(b)
		return Region{PA: p.base + uint64(first*PageSize), Bytes: b}, nil
	}
	return Region{}, fmt.Errorf("%w: %d contiguous pages requested, %d free", ErrExhausted, pages, p.free)
}

// Free returns a region to the pool. Freeing a region twice or one that did
// not come from this pool is ignored.
func (p *Pool) Free(r Region) {
	if len(r.Bytes) == 0 || r.PA < p.base {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	first := int((r.PA - p.base) / PageSize)
	for i := first; i < first+r.Pages() && i < len(p.used); i++ {
		if p.used[i] {
			p.used[i] = false
			p.free++
		}
	}
}

// Contains reports whether pa falls inside the pool window.
func (p *Pool) Contains(pa uint64) bool {
	return pa >= p.base && pa < p.base+uint64(p.Size())
}

// Bytes returns the n bytes of host memory backing physical address pa.
func (p *Pool) Bytes(pa uint64, n int) ([]byte, error) {
	if n < 0 || !p.Contains(pa) || pa+uint64(n) > p.base+uint64(p.Size()) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, pa, pa+uint64(n))
	}
	off := pa - p.base
	return p.mem[off : off+uint64(n)], nil
}

// Window returns the physical range covered by the pool.
func (p *Pool) Window() (start, end uint64) {
	return p.base, p.base + uint64(p.Size())
}
