package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
)

const testPages = 64

func newCPU(t *testing.T, opts ...Option) (*CPU, *memory.Pool) {
	t.Helper()
	pool, err := memory.NewPool(memory.DefaultBase, testPages*memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	c, err := New(0, pool, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c, pool
}

func load(t *testing.T, c *CPU, code ...byte) uint64 {
	t.Helper()
	addr, err := c.Load(code)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func readStack(t *testing.T, c *CPU, addr uint64) uint64 {
	t.Helper()
	var b [8]byte
	if err := c.ReadLinear(addr, b[:]); err != nil {
		t.Fatal(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want map[ia32.GPR]uint64
	}{
		{
			name: "add",
			// mov rax, 5; add rax, 3; mov rbx, rax; hlt
			code: []byte{0x48, 0xC7, 0xC0, 0x05, 0, 0, 0, 0x48, 0x83, 0xC0, 0x03, 0x48, 0x89, 0xC3, 0xF4},
			want: map[ia32.GPR]uint64{ia32.RAX: 8, ia32.RBX: 8},
		},
		{
			name: "loop",
			// mov rcx, 5; xor eax, eax; l: add rax, rcx; dec rcx; jnz l; hlt
			code: []byte{0x48, 0xC7, 0xC1, 0x05, 0, 0, 0, 0x31, 0xC0, 0x48, 0x01, 0xC8, 0x48, 0xFF, 0xC9, 0x75, 0xF8, 0xF4},
			want: map[ia32.GPR]uint64{ia32.RAX: 15, ia32.RCX: 0},
		},
		{
			name: "call and ret",
			// push 0x2a; pop rbx; call f; hlt; f: inc rbx; ret
			code: []byte{0x6A, 0x2A, 0x5B, 0xE8, 0x01, 0, 0, 0, 0xF4, 0x48, 0xFF, 0xC3, 0xC3},
			want: map[ia32.GPR]uint64{ia32.RBX: 0x2B},
		},
		{
			name: "shift and multiply",
			// mov rax, 3; shl rax, 4; mov rbx, 2; imul rax, rbx; hlt
			code: []byte{0x48, 0xC7, 0xC0, 0x03, 0, 0, 0, 0x48, 0xC1, 0xE0, 0x04, 0x48, 0xC7, 0xC3, 0x02, 0, 0, 0, 0x48, 0x0F, 0xAF, 0xC3, 0xF4},
			want: map[ia32.GPR]uint64{ia32.RAX: 96, ia32.RBX: 2},
		},
		{
			name: "32-bit write zero-extends",
			// mov rax, -1; mov eax, 1; hlt
			code: []byte{0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF, 0xB8, 0x01, 0, 0, 0, 0xF4},
			want: map[ia32.GPR]uint64{ia32.RAX: 1},
		},
		{
			name: "cpuid",
			// xor eax, eax; cpuid; hlt
			code: []byte{0x31, 0xC0, 0x0F, 0xA2, 0xF4},
			want: map[ia32.GPR]uint64{ia32.RAX: 0xD},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCPU(t)
			load(t, c, tt.code...)
			if err := c.Run(); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !c.Halted() {
				t.Fatal("Run() returned without halting")
			}
			regs := c.Caller()
			for r, want := range tt.want {
				if got := regs.GPR[r]; got != want {
					t.Errorf("%v = %#x, want %#x", r, got, want)
				}
			}
			if got := regs.GPR[ia32.RSP]; got != c.StackTop() {
				t.Errorf("rsp = %#x, want %#x", got, c.StackTop())
			}
		})
	}
}

func TestRunFlags(t *testing.T) {
	c, _ := newCPU(t)
	// xor rax, rax; sub rax, 1; hlt
	load(t, c, 0x48, 0x31, 0xC0, 0x48, 0x83, 0xE8, 0x01, 0xF4)
	if err := c.Run(); err != nil {
		t.Fatal(err)
	}
	regs := c.Caller()
	if regs.GPR[ia32.RAX] != ^uint64(0) {
		t.Errorf("rax = %#x, want all ones", regs.GPR[ia32.RAX])
	}
	want := ia32.RFLAGSCF | ia32.RFLAGSSF | ia32.RFLAGSPF | ia32.RFLAGSAF
	if got := regs.RFLAGS & arithFlags; got != want {
		t.Errorf("flags = %#x, want %#x", uint64(got), uint64(want))
	}
}

func TestRunStringStore(t *testing.T) {
	c, pool := newCPU(t)
	dst, err := pool.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	load(t, c, 0xF3, 0xAA, 0xF4) // rep stosb; hlt
	regs := c.Caller()
	regs.GPR[ia32.RAX] = 0xAB
	regs.GPR[ia32.RCX] = 16
	regs.GPR[ia32.RDI] = dst.PA
	c.Continue(&regs)
	if err := c.Run(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(bytes.Repeat([]byte{0xAB}, 16), dst.Bytes[:16]); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
	if dst.Bytes[16] != 0 {
		t.Errorf("byte after the string = %#x, want 0", dst.Bytes[16])
	}
	if got := c.Caller().GPR[ia32.RCX]; got != 0 {
		t.Errorf("rcx = %d, want 0", got)
	}
}

func TestPageFaultDelivery(t *testing.T) {
	c, _ := newCPU(t)
	handler, err := c.Map([]byte{0xF4})
	if err != nil {
		t.Fatal(err)
	}
	c.SetInterruptGate(ia32.PageFault, handler)
	// mov rax, [0x40000000]
	code := load(t, c, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x40)
	if err := c.Run(); err != nil {
		t.Fatal(err)
	}
	if c.CR2() != 0x40000000 {
		t.Errorf("cr2 = %#x, want 0x40000000", c.CR2())
	}
	regs := c.Caller()
	if regs.RIP != handler+1 {
		t.Errorf("rip = %#x, want %#x", regs.RIP, handler+1)
	}
	rsp := regs.GPR[ia32.RSP]
	if rsp != c.StackTop()-48 {
		t.Errorf("rsp = %#x, want %#x", rsp, c.StackTop()-48)
	}
	if got := readStack(t, c, rsp); got != 0 {
		t.Errorf("error code = %#x, want 0", got)
	}
	if got := readStack(t, c, rsp+8); got != code {
		t.Errorf("return rip = %#x, want %#x", got, code)
	}
	if regs.RFLAGS&ia32.RFLAGSIF != 0 {
		t.Error("interrupt gate left IF set")
	}
}

func TestSoftwareInterrupt(t *testing.T) {
	c, _ := newCPU(t)
	handler, err := c.Map([]byte{0xF4})
	if err != nil {
		t.Fatal(err)
	}
	c.SetInterruptGate(0x80, handler)
	code := load(t, c, 0xCD, 0x80) // int 0x80
	if err := c.Run(); err != nil {
		t.Fatal(err)
	}
	rsp := c.Caller().GPR[ia32.RSP]
	if got := readStack(t, c, rsp); got != code+2 {
		t.Errorf("return rip = %#x, want %#x", got, code+2)
	}
	if got := readStack(t, c, rsp+8); got != uint64(CodeSelector) {
		t.Errorf("saved cs = %#x, want %#x", got, uint16(CodeSelector))
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		code []byte
		want error
	}{
		{"triple fault", nil, []byte{0x0F, 0x0B}, ErrTripleFault},
		{"step limit", []Option{WithStepLimit(100)}, []byte{0xEB, 0xFE}, ErrStepLimit},
		{"vmcall in root", nil, []byte{0x0F, 0x01, 0xC1}, ErrTripleFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCPU(t, tt.opts...)
			load(t, c, tt.code...)
			if err := c.Run(); !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConsole(t *testing.T) {
	var out bytes.Buffer
	c, _ := newCPU(t, WithConsole(&out))
	// mov dx, 0x402; mov al, 'o'; out dx, al; mov al, 'k'; out dx, al; hlt
	load(t, c, 0x66, 0xBA, 0x02, 0x04, 0xB0, 'o', 0xEE, 0xB0, 'k', 0xEE, 0xF4)
	if err := c.Run(); err != nil {
		t.Fatal(err)
	}
	if out.String() != "ok" {
		t.Errorf("console = %q, want %q", out.String(), "ok")
	}
}

func TestControlRegisters(t *testing.T) {
	c, _ := newCPU(t)
	if err := c.SetCR0(c.CR0() &^ ia32.CR0PE); !errors.Is(err, ErrGeneralFault) {
		t.Errorf("clearing CR0.PE with paging on: error = %v, want %v", err, ErrGeneralFault)
	}
	if err := c.SetCR4(c.CR4() | ia32.CR4VMXE); err != nil {
		t.Fatal(err)
	}
	if c.CR4()&ia32.CR4VMXE == 0 {
		t.Error("CR4.VMXE not set")
	}
	if _, err := c.ReadMSR(0xDEAD); !errors.Is(err, ErrUnknownMSR) {
		t.Errorf("ReadMSR(0xdead) error = %v, want %v", err, ErrUnknownMSR)
	}
}
