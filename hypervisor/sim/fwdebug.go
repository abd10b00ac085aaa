package sim

import (
	"io"
)

// FWDebug is the firmware debug console at port 0x402. Bytes written to it
// go to the console; reading it returns 0xE9 so software can detect it.
type FWDebug struct {
	w io.Writer
}

func NewFWDebug(w io.Writer) *FWDebug { return &FWDebug{w: w} }

func (f *FWDebug) In(port uint16, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}
	data[0] = 0xE9
	return nil
}

func (f *FWDebug) Out(port uint16, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}
	if data[0] == 0 {
		_, err := io.WriteString(f.w, "\r\n")
		return err
	}
	_, err := f.w.Write(data)
	return err
}

func (f *FWDebug) IOPort() uint16 { return 0x402 }

func (f *FWDebug) Size() uint16 { return 1 }
