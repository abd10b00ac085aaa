package ia32

import "testing"

func TestHasErrorCode(t *testing.T) {
	with := map[Vector]bool{
		DoubleFault:       true, InvalidTSS: true, SegmentNotPresent: true, StackFault: true,
		GeneralProtection: true, PageFault: true, AlignmentCheck: true, ControlProtection: true,
	}
	for v := 0; v < 256; v++ {
		if got := Vector(v).HasErrorCode(); got != with[Vector(v)] {
			t.Errorf("Vector(%d).HasErrorCode() = %v, want %v", v, got, with[Vector(v)])
		}
	}
}

func TestContextEDXEAX(t *testing.T) {
	var c Context
	c.Set(RAX, 0xFFFFFFFF_00000000)
	c.SetEDXEAX(0x11223344_55667788)
	if c.Get(RAX) != 0x55667788 || c.Get(RDX) != 0x11223344 {
		t.Errorf("rax=%#x rdx=%#x", c.Get(RAX), c.Get(RDX))
	}
	if c.EDXEAX() != 0x11223344_55667788 {
		t.Errorf("EDXEAX() = %#x", c.EDXEAX())
	}
	if _, err := c.Reg(16); err == nil {
		t.Errorf("Reg(16) should fail")
	}
}
