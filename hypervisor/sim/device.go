package sim

import (
	"fmt"
)

// PortIO handles accesses to a range of I/O ports. data holds 1, 2 or 4
// bytes in little-endian order.
type PortIO interface {
	In(port uint16, data []byte) error
	Out(port uint16, data []byte) error
}

// Device is a PortIO claiming Size ports starting at IOPort.
type Device interface {
	PortIO
	IOPort() uint16
	Size() uint16
}

// openBus answers reads of unclaimed ports with all ones and drops writes.
type openBus struct{}

func (openBus) In(port uint16, data []byte) error {
	for i := range data {
		data[i] = 0xFF
	}
	return nil
}

func (openBus) Out(port uint16, data []byte) error { return nil }

type portCF9 struct{}

func (portCF9) IOPort() uint16 { return 0xCF9 }
func (portCF9) Size() uint16 { return 1 }

func (portCF9) In(port uint16, data []byte) error { return nil }

func (portCF9) Out(port uint16, data []byte) error {
	if len(data) == 1 && data[0] == 0xE {
		return fmt.Errorf("write 0xe to cf9: %w", ErrWriteToCF9)
	}
	return fmt.Errorf("write %#x to cf9: %w", data, ErrWriteToCF9)
}

type portPS2 struct{}

func (portPS2) IOPort() uint16 { return 0x64 }
func (portPS2) Size() uint16 { return 1 }

func (portPS2) In(port uint16, data []byte) error {
	data[0] = 0x20
	return nil
}

func (portPS2) Out(port uint16, data []byte) error { return nil }

// bus routes port accesses to devices.
type bus struct {
	ports map[uint16]PortIO
}

func newBus() *bus { return &bus{ports: make(map[uint16]PortIO)} }

func (b *bus) attach(d Device) error {
	for p := uint32(d.IOPort()); p < uint32(d.IOPort())+uint32(d.Size()); p++ {
		if _, ok := b.ports[uint16(p)]; ok {
			return fmt.Errorf("%w: %#x", ErrPortInUse, p)
		}
	}
	for p := uint32(d.IOPort()); p < uint32(d.IOPort())+uint32(d.Size()); p++ {
		b.ports[uint16(p)] = d
	}
	return nil
}

func (b *bus) lookup(port uint16) PortIO {
	if d, ok := b.ports[port]; ok {
		return d
	}
	return openBus{}
}

func (b *bus) in(port uint16, data []byte) error { return b.lookup(port).In(port, data) }

func (b *bus) out(port uint16, data []byte) error { return b.lookup(port).Out(port, data) }
