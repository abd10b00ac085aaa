package sim

import (
	"encoding/binary"

	"github.com/set-io/vtx/hypervisor/ia32"
)

// CPUIDEntry is one leaf of the CPUID table. Indexed entries only match
// their own subleaf.
type CPUIDEntry struct {
	Function uint32
	Index    uint32
	Indexed  bool
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

const (
	cpuidVMX     = 1 << 5  // leaf 1 ECX
	cpuidXSAVE   = 1 << 26 // leaf 1 ECX
	cpuidOSXSAVE = 1 << 27 // leaf 1 ECX
	cpuidFPU     = 1 << 0  // leaf 1 EDX
	cpuidTSC     = 1 << 4  // leaf 1 EDX
	cpuidMSR     = 1 << 5  // leaf 1 EDX
	cpuidPAE     = 1 << 6  // leaf 1 EDX
	cpuidFXSR    = 1 << 24 // leaf 1 EDX
	cpuidSSE     = 1 << 25 // leaf 1 EDX
	cpuidSSE2    = 1 << 26 // leaf 1 EDX
	cpuidSYSCALL = 1 << 11 // leaf 0x80000001 EDX
	cpuidNX      = 1 << 20 // leaf 0x80000001 EDX
	cpuidRDTSCP  = 1 << 27 // leaf 0x80000001 EDX
	cpuidLM      = 1 << 29 // leaf 0x80000001 EDX
)

func vendor(s string) (ebx, edx, ecx uint32) {
	b := []byte(s)
	return binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:]), binary.LittleEndian.Uint32(b[8:])
}

// DefaultCPUID describes a 64-bit Intel processor with VMX.
func DefaultCPUID() []CPUIDEntry {
	ebx, edx, ecx := vendor("GenuineIntel")
	return []CPUIDEntry{
		{Function: 0x0, Eax: 0xD, Ebx: ebx, Ecx: ecx, Edx: edx},
		{
			Function: 0x1,
			Eax:      0x000906EA,
			Ecx:      cpuidVMX | cpuidXSAVE,
			Edx:      cpuidFPU | cpuidTSC | cpuidMSR | cpuidPAE | cpuidFXSR | cpuidSSE | cpuidSSE2,
		},
		{Function: 0xD, Index: 0, Indexed: true, Eax: 0x3, Ebx: 0x240, Ecx: 0x240},
		{Function: 0xD, Index: 1, Indexed: true},
		{Function: 0x80000000, Eax: 0x80000008},
		{Function: 0x80000001, Edx: cpuidSYSCALL | cpuidNX | cpuidRDTSCP | cpuidLM},
		{Function: 0x80000008, Eax: 0x3027},
	}
}

func (c *CPU) lookupCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	for _, e := range c.cpuid {
		if e.Function != leaf || (e.Indexed && e.Index != subleaf) {
			continue
		}
		eax, ebx, ecx, edx = e.Eax, e.Ebx, e.Ecx, e.Edx
		if leaf == 1 {
			// Initial APIC ID.
			ebx = ebx&0x00FFFFFF | uint32(c.index)<<24
			if c.cr4&ia32.CR4OSXSAVE != 0 {
				ecx |= cpuidOSXSAVE
			}
		}
		return eax, ebx, ecx, edx
	}
	return 0, 0, 0, 0
}
