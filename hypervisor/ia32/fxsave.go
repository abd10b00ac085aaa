package ia32

import "encoding/binary"

// FXSaveSize is the size of the FXSAVE/FXRSTOR memory image.
const FXSaveSize = 512

// FXSaveArea is the legacy x87/SSE state image written by FXSAVE. The
// processor requires 16-byte alignment; callers allocate it inside an
// aligned structure.
type FXSaveArea [FXSaveSize]byte

const (
	fxFCW   = 0
	fxFSW   = 2
	fxMXCSR = 24
	fxXMM   = 160
)

// MXCSRDefault is the power-on value of MXCSR.
const MXCSRDefault = 0x1F80

// FCWDefault is the power-on value of the x87 control word.
const FCWDefault = 0x037F

func (f *FXSaveArea) FCW() uint16 { return binary.LittleEndian.Uint16(f[fxFCW:]) }

func (f *FXSaveArea) SetFCW(v uint16) { binary.LittleEndian.PutUint16(f[fxFCW:], v) }

func (f *FXSaveArea) FSW() uint16 { return binary.LittleEndian.Uint16(f[fxFSW:]) }

func (f *FXSaveArea) MXCSR() uint32 { return binary.LittleEndian.Uint32(f[fxMXCSR:]) }

func (f *FXSaveArea) SetMXCSR(v uint32) { binary.LittleEndian.PutUint32(f[fxMXCSR:], v) }

// XMM returns the 16-byte image of register i.
func (f *FXSaveArea) XMM(i int) []byte {
	off := fxXMM + (i&15)*16
	return f[off : off+16]
}

// Reset loads the power-on state.
func (f *FXSaveArea) Reset() {
	*f = FXSaveArea{}
	f.SetFCW(FCWDefault)
	f.SetMXCSR(MXCSRDefault)
}
