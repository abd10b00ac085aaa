package memory

import (
	"errors"
	"testing"
)

func newTestPool(t *testing.T, pages int) *Pool {
	t.Helper()
	p, err := NewPool(DefaultBase, pages*PageSize)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllocZeroedAndAligned(t *testing.T) {
	p := newTestPool(t, 8)
	r, err := p.Alloc(2)
	if err != nil {
		t.Fatal(err)
	}
	if r.PA%PageSize != 0 || r.Pages() != 2 {
		t.Errorf("region %#x with %d pages", r.PA, r.Pages())
	}
	for i := range r.Bytes {
		r.Bytes[i] = 0xAA
	}
	p.Free(r)
	r2, err := p.Alloc(2)
	if err != nil {
		t.Fatal(err)
	}
	if r2.PA != r.PA {
		t.Errorf("first-fit reuse: got %#x, want %#x", r2.PA, r.PA)
	}
	for i, b := range r2.Bytes {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

func TestAllocExhausted(t *testing.T) {
	p := newTestPool(t, 4)
	a, err := p.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Alloc(2); err != nil {
		t.Fatal(err)
	}
	p.Free(a)
	// One free page at the front and one at the back: no run of two.
	if _, err := p.Alloc(2); !errors.Is(err, ErrExhausted) {
		t.Errorf("Alloc() error = %v, want %v", err, ErrExhausted)
	}
	if got := p.Available(); got != 2 {
		t.Errorf("Available() = %d, want 2", got)
	}
	if _, err := p.Alloc(0); !errors.Is(err, ErrBadRequest) {
		t.Errorf("Alloc(0) error = %v, want %v", err, ErrBadRequest)
	}
}

func TestBytes(t *testing.T) {
	p := newTestPool(t, 2)
	r, err := p.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Bytes(r.PA+16, 4)
	if err != nil {
		t.Fatal(err)
	}
	copy(b, []byte{1, 2, 3, 4})
	if r.Bytes[16] != 1 || r.Bytes[19] != 4 {
		t.Errorf("Bytes() does not alias the region")
	}
	if _, err := p.Bytes(DefaultBase+2*PageSize-2, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Bytes() past end error = %v", err)
	}
	if _, err := p.Bytes(0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Bytes() below base error = %v", err)
	}
}

func TestPoolSizeFor(t *testing.T) {
	tests := []struct {
		name  string
		total uint64
		cpus  int
		want  int
	}{
		{"floor", 64 << 20, 2, 2 * minPerCPU},
		{"16G", 16 << 30, 4, 4 * ((16<<30/384 + PageSize - 1) &^ (PageSize - 1))},
		{"zero cpus", 256 << 20, 0, minPerCPU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PoolSizeFor(tt.total, tt.cpus); got != tt.want {
				t.Errorf("PoolSizeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
