package sim

import (
	"time"
)

const (
	cmosIndexMask = uint8(0x7F)
	cmosIndex     = uint16(0x70)
	cmosData      = uint16(0x71)
	cmosLen       = 128
)

// CMOS is the real-time clock and its NVRAM at ports 0x70-0x71.
type CMOS struct {
	Index uint8
	Data  []uint8
	now   func() time.Time
}

func NewCMOS(now func() time.Time) *CMOS {
	if now == nil {
		now = time.Now
	}
	return &CMOS{Data: make([]uint8, cmosLen), now: now}
}

func (c *CMOS) In(port uint16, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}
	switch port {
	case cmosIndex:
		data[0] = c.Index
	case cmosData:
		t := c.now()
		var d uint8
		switch c.Index & cmosIndexMask {
		case 0x00:
			d = toBCD(uint8(t.Second()))
		case 0x02:
			d = toBCD(uint8(t.Minute()))
		case 0x04:
			d = toBCD(uint8(t.Hour()))
		case 0x06:
			d = toBCD(uint8(t.Weekday()) + 1)
		case 0x07:
			d = toBCD(uint8(t.Day()))
		case 0x08:
			d = toBCD(uint8(t.Month()))
		case 0x09:
			d = toBCD(uint8(t.Year() % 100))
		case 0x0A:
			d = 1 << 5
		case 0x0D:
			d = 1 << 7
		case 0x32:
			d = toBCD(uint8(t.Year() / 100))
		default:
			d = c.Data[c.Index&cmosIndexMask]
		}
		data[0] = d
	}
	return nil
}

func (c *CMOS) Out(port uint16, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}
	switch port {
	case cmosIndex:
		c.Index = data[0]
	case cmosData:
		c.Data[c.Index&cmosIndexMask] = data[0]
	}
	return nil
}

func toBCD(v uint8) uint8 {
	return (v/10)<<4 | v%10
}

func (c *CMOS) IOPort() uint16 { return cmosIndex }

func (c *CMOS) Size() uint16 { return 2 }
