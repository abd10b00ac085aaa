package sim

import (
	"io"
	"sync"
)

const COM1Addr = 0x03F8

// Serial is a 16550-style UART at COM1. Transmitted bytes go to the
// console, received bytes are queued with Feed.
type Serial struct {
	IER byte
	LCR byte

	mu    sync.Mutex
	w     io.Writer
	input []byte
}

func NewSerial(w io.Writer) *Serial { return &Serial{w: w} }

// Feed queues bytes for the guest to read.
func (s *Serial) Feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = append(s.input, b...)
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

func (s *Serial) In(port uint16, values []byte) error {
	if len(values) != 1 {
		return ErrDataLenInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off := port - COM1Addr; {
	case off == 0 && !s.dlab():
		values[0] = 0
		if len(s.input) > 0 {
			values[0] = s.input[0]
			s.input = s.input[1:]
		}
	case off == 0 && s.dlab():
		values[0] = 0xC
	case off == 1 && !s.dlab():
		values[0] = s.IER
	case off == 3:
		values[0] = s.LCR
	case off == 5:
		// Transmitter empty and holding register empty.
		values[0] = 0x20 | 0x40
		if len(s.input) > 0 {
			values[0] |= 0x1
		}
	default:
		values[0] = 0
	}
	return nil
}

func (s *Serial) Out(port uint16, values []byte) error {
	if len(values) != 1 {
		return ErrDataLenInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off := port - COM1Addr; {
	case off == 0 && !s.dlab():
		_, err := s.w.Write(values)
		return err
	case off == 1 && !s.dlab():
		s.IER = values[0]
	case off == 3:
		s.LCR = values[0]
	}
	return nil
}

func (s *Serial) IOPort() uint16 { return COM1Addr }

func (s *Serial) Size() uint16 { return 8 }
