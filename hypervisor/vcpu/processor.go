package vcpu

import (
	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// Host is the architectural state of the logical processor that is not part
// of the VMCS. A VCPU reads it to capture the calling context and writes it
// back when virtualization ends.
type Host interface {
	// Index returns the logical processor number.
	Index() int

	CR0() ia32.CR0
	SetCR0(ia32.CR0) error
	CR2() uint64
	SetCR2(uint64)
	CR3() ia32.CR3
	SetCR3(ia32.CR3) error
	CR4() ia32.CR4
	SetCR4(ia32.CR4) error
	DR(i int) uint64
	SetDR(i int, v uint64)
	XSetBV(xcr uint32, v uint64) error

	GDTR() ia32.DescriptorTable
	SetGDTR(ia32.DescriptorTable)
	IDTR() ia32.DescriptorTable
	SetIDTR(ia32.DescriptorTable)
	Segment(r ia32.SegmentRegister) ia32.Segment

	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(m ia32.MSR) (uint64, error)
	WriteMSR(m ia32.MSR, v uint64) error
	ReadTSC() uint64
	ReadTSCP() (tsc uint64, aux uint32)
	In(port uint16, size int) uint32
	Out(port uint16, size int, v uint32)
	InvalidateCaches(writeback bool)

	// ReadLinear and WriteLinear access memory through the current
	// address space of the processor.
	ReadLinear(addr uint64, p []byte) error
	WriteLinear(addr uint64, p []byte) error

	FXSave(*ia32.FXSaveArea)
	FXRstor(*ia32.FXSaveArea)

	// Caller returns the register context of the code that entered the
	// hypervisor on this processor.
	Caller() ia32.Context

	// Continue resumes ordinary execution at ctx once VMX operation has
	// been left.
	Continue(ctx *ia32.Context)

	// Kick interrupts the processor with an NMI. It is safe to call from
	// any goroutine.
	Kick()
}

// VMX is the VMX instruction set of a logical processor. VMLaunch and
// VMResume return at the next VM exit with the guest general-purpose
// registers stored in ctx, or with the instruction failure.
type VMX interface {
	VMXON(pa uint64) error
	VMXOFF() error
	VMCLEAR(pa uint64) error
	VMPTRLD(pa uint64) error
	VMRead(f vmx.Field) (uint64, error)
	VMWrite(f vmx.Field, v uint64) error
	VMLaunch(ctx *ia32.Context) error
	VMResume(ctx *ia32.Context) error
	INVEPT(single bool, eptp vmx.EPTP) error
	INVVPID(single bool, vpid uint16) error
}

// Processor is a logical processor capable of VMX operation.
type Processor interface {
	Host
	VMX
}
