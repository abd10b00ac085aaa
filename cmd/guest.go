package cmd

import (
	"encoding/binary"
	"fmt"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/sim"
	"github.com/set-io/vtx/hypervisor/vmexit"
)

// guestProgram prints msgLen bytes at RSI to the debug console, executes
// CPUID and then either idles in HLT or leaves virtualization with the
// terminating VMCALL.
func guestProgram(msgLen int, oneshot bool) []byte {
	code := []byte{
		0x66, 0xBA, 0x02, 0x04, // mov dx, 0x402
		0xB9, 0, 0, 0, 0, // mov ecx, msgLen
		0xF3, 0x6E, // rep outsb
		0x31, 0xC0, // xor eax, eax
		0x0F, 0xA2, // cpuid
	}
	binary.LittleEndian.PutUint32(code[5:], uint32(msgLen))
	if oneshot {
		id := []byte{0xB9, 0, 0, 0, 0} // mov ecx, TerminateID
		binary.LittleEndian.PutUint32(id[1:], vmexit.TerminateID)
		code = append(code, id...)
		code = append(code, 0x0F, 0x01, 0xC1) // vmcall
	}
	return append(code, 0xF4, 0xEB, 0xFD) // hlt; jmp $-1
}

// loadGuest points cpu at the guest program.
func loadGuest(cpu *sim.CPU, oneshot bool) error {
	msg := fmt.Sprintf("vtx: cpu %d running virtualized\n", cpu.Index())
	data, err := cpu.Map([]byte(msg))
	if err != nil {
		return err
	}
	if _, err := cpu.Load(guestProgram(len(msg), oneshot)); err != nil {
		return err
	}
	regs := cpu.Caller()
	regs.GPR[ia32.RSI] = data
	cpu.Continue(&regs)
	return nil
}
