package vcpu

import (
	"testing"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

func TestNewInterrupt(t *testing.T) {
	tests := []struct {
		name      string
		i         Interrupt
		typ       vmx.InterruptType
		vector    ia32.Vector
		withCode  bool
		code      uint32
		ripAdjust int
	}{
		{"nmi", NewInterrupt(vmx.NMI, ia32.NMI), vmx.NMI, ia32.NMI, false, 0, DeriveRIPAdjust},
		{"breakpoint", NewInterrupt(vmx.SoftwareException, ia32.Breakpoint, 1), vmx.SoftwareException, ia32.Breakpoint, false, 0, 1},
		{"software interrupt", NewInterrupt(vmx.SoftwareInterrupt, 0x80, 2), vmx.SoftwareInterrupt, 0x80, false, 0, 2},
		{"negative adjust", NewInterrupt(vmx.SoftwareInterrupt, 0x80, -5), vmx.SoftwareInterrupt, 0x80, false, 0, DeriveRIPAdjust},
		{"general protection", NewException(vmx.HardwareException, ia32.GeneralProtection, 0x18), vmx.HardwareException, ia32.GeneralProtection, true, 0x18, DeriveRIPAdjust},
		{"page fault", PageFault(ia32.PFWrite | ia32.PFPresent), vmx.HardwareException, ia32.PageFault, true, 3, DeriveRIPAdjust},
		{"invalid opcode", InvalidOpcode(), vmx.HardwareException, ia32.InvalidOpcode, false, 0, DeriveRIPAdjust},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.i.Valid() {
				t.Fatal("constructed event is not valid")
			}
			if got := tt.i.Type(); got != tt.typ {
				t.Errorf("Type() = %v, want %v", got, tt.typ)
			}
			if got := tt.i.Vector(); got != tt.vector {
				t.Errorf("Vector() = %v, want %v", got, tt.vector)
			}
			if got := tt.i.ErrorCodeValid(); got != tt.withCode {
				t.Errorf("ErrorCodeValid() = %v, want %v", got, tt.withCode)
			}
			if got := tt.i.ErrorCode(); got != tt.code {
				t.Errorf("ErrorCode() = %#x, want %#x", got, tt.code)
			}
			if got := tt.i.RIPAdjust(); got != tt.ripAdjust {
				t.Errorf("RIPAdjust() = %d, want %d", got, tt.ripAdjust)
			}
		})
	}
}

func TestInterruptFromInfo(t *testing.T) {
	withCode := interruptFromInfo(vmx.NewInterruptionInfo(ia32.GeneralProtection, vmx.HardwareException, true, false), 0x10)
	if !withCode.ErrorCodeValid() || withCode.ErrorCode() != 0x10 {
		t.Errorf("event = %v, want #GP with error code 0x10", withCode)
	}
	without := interruptFromInfo(vmx.NewInterruptionInfo(ia32.InvalidOpcode, vmx.HardwareException, false, false), 0x10)
	if without.ErrorCodeValid() || without.ErrorCode() != 0 {
		t.Errorf("event = %v, want #UD without error code", without)
	}
	if got := without.RIPAdjust(); got != DeriveRIPAdjust {
		t.Errorf("RIPAdjust() = %d, want %d", got, DeriveRIPAdjust)
	}
	if (Interrupt{}).Valid() {
		t.Error("zero Interrupt is valid")
	}
	if got := (Interrupt{}).String(); got != "none" {
		t.Errorf("String() = %q, want %q", got, "none")
	}
}
