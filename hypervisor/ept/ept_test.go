package ept

import (
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/vmx"
)

func newTestRoot(t *testing.T, pages int, opts ...Option) (*Root, *memory.Pool) {
	t.Helper()
	pool, err := memory.NewPool(memory.DefaultBase, pages*memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	r, err := New(pool, pool, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r, pool
}

func TestPointer(t *testing.T) {
	r, _ := newTestRoot(t, 4, WithAccessDirty(true))
	p := r.Pointer()
	if p.Root() != r.PhysicalBase() {
		t.Errorf("Pointer().Root() = %#x, want %#x", p.Root(), r.PhysicalBase())
	}
	if p.MemoryType() != vmx.MemoryTypeWriteBack || p.WalkLength() != 4 || !p.AccessDirty() {
		t.Errorf("Pointer() = %v", p)
	}
	uc, _ := newTestRoot(t, 4, WithMemoryType(hostarch.MemoryTypeUncached))
	if uc.Pointer().MemoryType() != vmx.MemoryTypeUncached {
		t.Errorf("uncached root pointer = %v", uc.Pointer())
	}
}

func TestIdentityMapUsesLargePages(t *testing.T) {
	r, _ := newTestRoot(t, 16)
	if err := r.MapIdentity(0, 4<<20); err != nil {
		t.Fatal(err)
	}
	// PML4 + PDPT + PD, no page tables.
	if got := r.Tables(); got != 3 {
		t.Errorf("Tables() = %d, want 3", got)
	}
	tr, err := r.Translate(0x2A_1234)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Present || tr.HPA != 0x2A_1234 || tr.Level != 2 || tr.Access != RWX {
		t.Errorf("Translate() = %+v", tr)
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	r, _ := newTestRoot(t, 16)
	if err := r.Map(0x1000, 0x7000_0000, 0x2000, Read|Execute); err != nil {
		t.Fatal(err)
	}
	tr, err := r.Translate(0x1FF8)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Present || tr.HPA != 0x7000_0FF8 || tr.Access != Read|Execute || tr.Level != 1 {
		t.Errorf("Translate() = %+v", tr)
	}
	if err := r.Unmap(0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if tr, _ := r.Translate(0x1000); tr.Present {
		t.Errorf("page still mapped after Unmap: %+v", tr)
	}
	if tr, _ := r.Translate(0x2000); !tr.Present {
		t.Errorf("neighbouring page lost")
	}
	if err := r.Map(0x1001, 0, 0x1000, RWX); !errors.Is(err, ErrUnaligned) {
		t.Errorf("Map() error = %v, want %v", err, ErrUnaligned)
	}
}

func TestSetAccessSplitsLargePage(t *testing.T) {
	r, _ := newTestRoot(t, 16)
	if err := r.MapIdentity(0, 2<<20); err != nil {
		t.Fatal(err)
	}
	if err := r.SetAccess(0x5000, Read); err != nil {
		t.Fatal(err)
	}
	tr, err := r.Translate(0x5010)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Level != 1 || tr.Access != Read || tr.HPA != 0x5010 {
		t.Errorf("Translate(0x5010) = %+v", tr)
	}
	tr, _ = r.Translate(0x6000)
	if tr.Level != 1 || tr.Access != RWX || tr.HPA != 0x6000 {
		t.Errorf("Translate(0x6000) = %+v", tr)
	}
}

func TestMisconfiguration(t *testing.T) {
	r, pool := newTestRoot(t, 16)
	if err := r.Map(0, 0, 0x1000, RWX); err != nil {
		t.Fatal(err)
	}
	if err := r.Map(0x1000, 0x1000, 0x1000, Write); err != nil {
		t.Fatal(err)
	}
	if _, err := Walk(pool, r.PhysicalBase(), 0x1000); !errors.Is(err, ErrMisconfigured) {
		t.Errorf("Walk() error = %v, want %v", err, ErrMisconfigured)
	}
}

func TestDestroyReturnsTables(t *testing.T) {
	r, pool := newTestRoot(t, 16)
	before := pool.Available()
	if err := r.Map(0, 0, 0x1000, RWX); err != nil {
		t.Fatal(err)
	}
	r.Destroy()
	if got := pool.Available(); got != before+1 {
		t.Errorf("Available() = %d, want %d", got, before+1)
	}
	if err := r.Map(0, 0, 0x1000, RWX); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Map() after Destroy error = %v", err)
	}
}

func TestParseMemoryType(t *testing.T) {
	for in, want := range map[string]hostarch.MemoryType{
		"wb": hostarch.MemoryTypeWriteBack,
		"wc": hostarch.MemoryTypeWriteCombine,
		"uc": hostarch.MemoryTypeUncached,
		"":   hostarch.MemoryTypeWriteBack,
	} {
		got, err := ParseMemoryType(in)
		if err != nil || got != want {
			t.Errorf("ParseMemoryType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMemoryType("wt"); !errors.Is(err, ErrMemoryType) {
		t.Errorf("ParseMemoryType(wt) error = %v", err)
	}
}
