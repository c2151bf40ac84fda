package devices

import (
	"github.com/loks0n/carbon/internal/hv"
)

const (
	cmosAddrPort uint16 = 0x70
	cmosDataPort uint16 = 0x71

	cmosRegStatusA byte = 0x0A
	cmosRegStatusB byte = 0x0B
	cmosRegStatusC byte = 0x0C
	cmosRegStatusD byte = 0x0D

	cmosRegDayOfMonth byte = 0x07
	cmosRegMonth      byte = 0x08

	cmosStatusAValue byte = 0x26
	cmosStatusBValue byte = 0x02
	cmosStatusDValue byte = 0x80
)

// CMOS is a read-only MC146818 RTC/CMOS stub (spec §4.10): every time
// field reads back as zero except day-of-month and month, which read back
// as 1, and the status registers carry fixed canned values. There is no
// clock, no alarm, and no update-ended interrupt; writes are accepted and
// discarded. Grounded on
// tinyrange-cc/internal/devices/amd64/chipset/cmos.go's address/data port
// pair and register switch, stripped of its timer and IRQ machinery.
type CMOS struct {
	addr byte
}

func NewCMOS() *CMOS { return &CMOS{} }

func (c *CMOS) Init(hv.VirtualMachine) error { return nil }

func (c *CMOS) IOPorts() []uint16 { return []uint16{cmosAddrPort, cmosDataPort} }

func (c *CMOS) ReadIOPort(_ hv.ExitContext, port uint16, data []byte) error {
	for i := range data {
		switch port {
		case cmosAddrPort:
			data[i] = c.addr
		case cmosDataPort:
			data[i] = readRegister(c.addr & 0x7F)
		}
	}
	return nil
}

func (c *CMOS) WriteIOPort(_ hv.ExitContext, port uint16, data []byte) error {
	if port == cmosAddrPort && len(data) > 0 {
		c.addr = data[len(data)-1] & 0x7F
	}
	return nil
}

func readRegister(idx byte) byte {
	switch idx {
	case cmosRegDayOfMonth, cmosRegMonth:
		return 1
	case cmosRegStatusA:
		return cmosStatusAValue
	case cmosRegStatusB:
		return cmosStatusBValue
	case cmosRegStatusC:
		return 0
	case cmosRegStatusD:
		return cmosStatusDValue
	default:
		return 0
	}
}

var _ hv.X86IOPortDevice = (*CMOS)(nil)
