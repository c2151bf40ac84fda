package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/loks0n/carbon/internal/hv"
)

// Register offsets, spec §4.8. Values match the virtio-mmio v2
// specification and tinyrange-cc/internal/devices/virtio/mmio.go's
// VIRTIO_MMIO_* constants verbatim (they are the wire protocol, not
// teacher-specific choices).
const (
	regMagic           = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00C
	regDeviceFeatures  = 0x010
	regDeviceFeatSel   = 0x014
	regDriverFeatures  = 0x020
	regDriverFeatSel   = 0x024
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueueReady      = 0x044
	regQueueNotify     = 0x050
	regInterruptStatus = 0x060
	regInterruptAck    = 0x064
	regStatus          = 0x070
	regQueueDescLow    = 0x080
	regQueueDescHigh   = 0x084
	regQueueDriverLow  = 0x090
	regQueueDriverHigh = 0x094
	regQueueDeviceLow  = 0x0A0
	regQueueDeviceHigh = 0x0A4
	regConfig          = 0x100

	magicValue uint32 = 0x74726976 // "virt"
	mmioVersion uint32 = 2

	featureVersion1 = uint64(1) << 32

	intVRingUsed = 1 << 0

	statusAcknowledge = 1 << 0
	statusDriver      = 1 << 1
	statusFailed      = 1 << 7
	statusFeaturesOK  = 1 << 3
	statusDriverOK    = 1 << 2
)

// Device is implemented by a concrete virtio device (virtio-blk) and
// driven by the MMIO transport (spec §4.8/§4.9 split).
type Device interface {
	DeviceID() uint32
	DeviceFeatures() uint64
	ReadConfig(offset uint64, data []byte)
	// ProcessQueue drains every newly available chain on q, pushing a used
	// entry per chain it retires. It returns true if at least one chain
	// was retired (the caller raises USED_BUFFER_NOTIFICATION).
	ProcessQueue(q *Queue) (notify bool, err error)
	Reset()
}

// MMIO implements the virtio-mmio v2 register file and status machine
// (spec §4.8) in front of a single Device and its single Queue. Grounded
// on mmio.go's readRegister/writeRegister dispatch, narrowed to one device,
// one queue, no shared-memory regions, no config generation counter (this
// module's config space is read-only and fixed once the device is opened).
type MMIO struct {
	vm   hv.VirtualMachine
	dev  Device
	gsi  uint32
	base uint64
	size uint64

	queue *Queue

	deviceFeatSel uint32
	driverFeatSel uint32
	driverFeat    [2]uint32

	status          uint32
	interruptStatus uint32
	irqAsserted     bool
}

// NewMMIO wires a device and its queue behind a virtio-mmio v2 transport
// at the given 4 KiB window (spec §6's "0xD000_0000 + 0x1000*k" layout).
func NewMMIO(dev Device, queue *Queue, base uint64, gsi uint32) *MMIO {
	return &MMIO{dev: dev, queue: queue, base: base, size: 0x1000, gsi: gsi}
}

func (m *MMIO) Init(vm hv.VirtualMachine) error {
	m.vm = vm
	return nil
}

func (m *MMIO) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: m.base, Size: m.size}}
}

func (m *MMIO) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	if addr%4 != 0 || len(data) > 4 {
		for i := range data {
			data[i] = 0xFF
		}
		return nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], m.readRegister(addr-m.base))
	copy(data, buf[:])
	return nil
}

func (m *MMIO) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	if len(data) != 4 || addr%4 != 0 {
		return nil // spec §4.8: misaligned/wrong-width writes are ignored
	}
	return m.writeRegister(addr-m.base, binary.LittleEndian.Uint32(data))
}

func (m *MMIO) readRegister(offset uint64) uint32 {
	switch offset {
	case regMagic:
		return magicValue
	case regVersion:
		return mmioVersion
	case regDeviceID:
		return m.dev.DeviceID()
	case regVendorID:
		return 0
	case regDeviceFeatures:
		feat := m.dev.DeviceFeatures() | featureVersion1
		if m.deviceFeatSel == 1 {
			return uint32(feat >> 32)
		}
		return uint32(feat)
	case regQueueNumMax:
		return MaxQueueSize
	case regQueueNum:
		return uint32(m.queue.Size)
	case regQueueReady:
		if m.queue.Ready {
			return 1
		}
		return 0
	case regInterruptStatus:
		return m.interruptStatus
	case regStatus:
		return m.status
	case regQueueDescLow:
		return uint32(m.queue.DescAddr)
	case regQueueDescHigh:
		return uint32(m.queue.DescAddr >> 32)
	case regQueueDriverLow:
		return uint32(m.queue.AvailAddr)
	case regQueueDriverHigh:
		return uint32(m.queue.AvailAddr >> 32)
	case regQueueDeviceLow:
		return uint32(m.queue.UsedAddr)
	case regQueueDeviceHigh:
		return uint32(m.queue.UsedAddr >> 32)
	default:
		if offset >= regConfig {
			var buf [4]byte
			m.dev.ReadConfig(offset-regConfig, buf[:])
			return binary.LittleEndian.Uint32(buf[:])
		}
		return 0
	}
}

func (m *MMIO) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case regDeviceFeatSel:
		m.deviceFeatSel = value
	case regDriverFeatSel:
		m.driverFeatSel = value
	case regDriverFeatures:
		if m.driverFeatSel < 2 {
			m.driverFeat[m.driverFeatSel] = value
		}
	case regQueueSel:
		// Only queue 0 exists (spec §4.8). The selector is not stored:
		// whatever index is written, the queue registers address queue 0.
	case regQueueNum:
		if value > MaxQueueSize {
			return fmt.Errorf("virtio: queue size %d exceeds max %d", value, MaxQueueSize)
		}
		m.queue.Size = uint16(value)
	case regQueueReady:
		if value&1 == 0 {
			m.queue.Reset()
			return nil
		}
		m.queue.Ready = true
	case regQueueDescLow:
		m.queue.DescAddr = (m.queue.DescAddr &^ 0xFFFFFFFF) | uint64(value)
	case regQueueDescHigh:
		m.queue.DescAddr = (m.queue.DescAddr &^ (uint64(0xFFFFFFFF) << 32)) | uint64(value)<<32
	case regQueueDriverLow:
		m.queue.AvailAddr = (m.queue.AvailAddr &^ 0xFFFFFFFF) | uint64(value)
	case regQueueDriverHigh:
		m.queue.AvailAddr = (m.queue.AvailAddr &^ (uint64(0xFFFFFFFF) << 32)) | uint64(value)<<32
	case regQueueDeviceLow:
		m.queue.UsedAddr = (m.queue.UsedAddr &^ 0xFFFFFFFF) | uint64(value)
	case regQueueDeviceHigh:
		m.queue.UsedAddr = (m.queue.UsedAddr &^ (uint64(0xFFFFFFFF) << 32)) | uint64(value)<<32
	case regQueueNotify:
		return m.notify()
	case regInterruptAck:
		m.interruptStatus &^= value
		return m.updateIRQ()
	case regStatus:
		if value == 0 {
			m.reset()
			return nil
		}
		// Status transitions are monotonic within a session (spec §3): OR
		// in rather than overwrite, so a driver that writes ACK then
		// ACK|DRIVER never un-sets ACK by construction even if it sends
		// the bits out of order.
		m.status |= value
	default:
		// Config space is read-only for virtio-blk (spec §4.9): writes
		// into it are accepted and discarded.
	}
	return nil
}

func (m *MMIO) notify() error {
	notify, err := m.dev.ProcessQueue(m.queue)
	if err != nil {
		slog.Warn("virtio-mmio: process queue", "error", err)
	}
	if notify {
		m.interruptStatus |= intVRingUsed
		return m.updateIRQ()
	}
	return nil
}

// updateIRQ routes interrupt_status transitions through the hypervisor's
// IRQ-injection primitive on this device's GSI (spec §9(b)'s open question,
// resolved: a correct implementation must call SetIRQ when interrupt_status
// goes from zero to non-zero, and lower it once acknowledged to zero).
func (m *MMIO) updateIRQ() error {
	level := m.interruptStatus != 0
	if level == m.irqAsserted {
		return nil
	}
	m.irqAsserted = level
	if m.vm == nil {
		return nil
	}
	return m.vm.SetIRQ(m.gsi, level)
}

func (m *MMIO) reset() {
	m.deviceFeatSel = 0
	m.driverFeatSel = 0
	m.driverFeat = [2]uint32{}
	m.status = 0
	m.interruptStatus = 0
	m.irqAsserted = false
	m.queue.Reset()
	m.dev.Reset()
}

var _ hv.MemoryMappedIODevice = &MMIO{}
