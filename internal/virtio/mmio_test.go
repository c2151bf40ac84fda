package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/loks0n/carbon/internal/hv"
)

// fakeVM is a minimal hv.VirtualMachine stand-in that only records SetIRQ
// calls; every other method is unused by MMIO and panics if ever called.
type fakeVM struct {
	irqCalls []struct {
		gsi   uint32
		level bool
	}
}

func (f *fakeVM) ReadAt(p []byte, off int64) (int, error)  { panic("unused") }
func (f *fakeVM) WriteAt(p []byte, off int64) (int, error) { panic("unused") }
func (f *fakeVM) Close() error                             { return nil }
func (f *fakeVM) MemoryBase() uint64                        { return 0 }
func (f *fakeVM) MemorySize() uint64                        { return 0 }
func (f *fakeVM) CreateVCPU(id int) (hv.VirtualCPU, error)  { panic("unused") }
func (f *fakeVM) AddDevice(dev hv.Device) error             { return nil }
func (f *fakeVM) Bus() hv.Bus                               { return nil }
func (f *fakeVM) AttachBus(b hv.Bus)                        {}

func (f *fakeVM) SetIRQ(gsi uint32, level bool) error {
	f.irqCalls = append(f.irqCalls, struct {
		gsi   uint32
		level bool
	}{gsi, level})
	return nil
}

// fakeDevice is a minimal virtio.Device stand-in whose ProcessQueue behavior
// is controlled by the test.
type fakeDevice struct {
	id        uint32
	features  uint64
	processFn func(q *Queue) (bool, error)
	resetCall int
}

func (d *fakeDevice) DeviceID() uint32        { return d.id }
func (d *fakeDevice) DeviceFeatures() uint64  { return d.features }
func (d *fakeDevice) ReadConfig(uint64, []byte) {}
func (d *fakeDevice) Reset()                  { d.resetCall++ }
func (d *fakeDevice) ProcessQueue(q *Queue) (bool, error) {
	if d.processFn != nil {
		return d.processFn(q)
	}
	return false, nil
}

func readReg(m *MMIO, offset uint64) uint32 {
	buf := make([]byte, 4)
	m.ReadMMIO(nil, m.base+offset, buf)
	return binary.LittleEndian.Uint32(buf)
}

func writeReg(t *testing.T, m *MMIO, offset uint64, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := m.WriteMMIO(nil, m.base+offset, buf); err != nil {
		t.Fatalf("WriteMMIO offset %#x: %v", offset, err)
	}
}

func newTestMMIO(dev Device) (*MMIO, *Queue, *fakeVM) {
	mem := newMockGuestMemory(0x10000)
	q := NewQueue(mem)
	m := NewMMIO(dev, q, 0xD0000000, 5)
	vm := &fakeVM{}
	m.Init(vm)
	return m, q, vm
}

func TestMMIOIdentityRegisters(t *testing.T) {
	dev := &fakeDevice{id: blkDeviceID, features: blkFeatureFlush}
	m, _, _ := newTestMMIO(dev)

	if got := readReg(m, regMagic); got != magicValue {
		t.Fatalf("magic: got %#x want %#x", got, magicValue)
	}
	if got := readReg(m, regVersion); got != mmioVersion {
		t.Fatalf("version: got %d want %d", got, mmioVersion)
	}
	if got := readReg(m, regDeviceID); got != blkDeviceID {
		t.Fatalf("device id: got %d want %d", got, blkDeviceID)
	}
}

func TestMMIODeviceFeaturesSelector(t *testing.T) {
	dev := &fakeDevice{features: blkFeatureFlush}
	m, _, _ := newTestMMIO(dev)

	writeReg(t, m, regDeviceFeatSel, 0)
	low := readReg(m, regDeviceFeatures)
	if low&uint32(blkFeatureFlush) == 0 {
		t.Fatalf("low features missing flush bit: %#x", low)
	}

	writeReg(t, m, regDeviceFeatSel, 1)
	high := readReg(m, regDeviceFeatures)
	if high&1 == 0 {
		t.Fatalf("high features missing VIRTIO_F_VERSION_1 bit: %#x", high)
	}
}

func TestMMIOStatusWritesAreMonotonic(t *testing.T) {
	dev := &fakeDevice{}
	m, _, _ := newTestMMIO(dev)

	writeReg(t, m, regStatus, statusAcknowledge)
	writeReg(t, m, regStatus, statusDriver)
	got := readReg(m, regStatus)
	want := uint32(statusAcknowledge | statusDriver)
	if got != want {
		t.Fatalf("status: got %#x want %#x", got, want)
	}
}

func TestMMIOStatusZeroResets(t *testing.T) {
	dev := &fakeDevice{}
	m, q, _ := newTestMMIO(dev)

	writeReg(t, m, regStatus, statusAcknowledge|statusDriver)
	writeReg(t, m, regQueueNum, 4)
	writeReg(t, m, regQueueReady, 1)

	writeReg(t, m, regStatus, 0)

	if got := readReg(m, regStatus); got != 0 {
		t.Fatalf("status after reset: got %#x want 0", got)
	}
	if q.Ready {
		t.Fatal("expected queue Ready cleared on device reset")
	}
	if dev.resetCall != 1 {
		t.Fatalf("expected device Reset called once, got %d", dev.resetCall)
	}
}

func TestMMIOQueueReadyZeroResetsQueueOnly(t *testing.T) {
	dev := &fakeDevice{}
	m, q, _ := newTestMMIO(dev)

	writeReg(t, m, regQueueNum, 8)
	writeReg(t, m, regQueueReady, 1)
	if !q.Ready {
		t.Fatal("expected queue Ready after QUEUE_READY=1")
	}

	writeReg(t, m, regQueueReady, 0)
	if q.Ready {
		t.Fatal("expected queue Ready cleared after QUEUE_READY=0")
	}
	if dev.resetCall != 0 {
		t.Fatal("expected device Reset NOT called on a queue-only reset")
	}
}

func TestMMIOQueueAddressRegistersRoundTrip(t *testing.T) {
	dev := &fakeDevice{}
	m, q, _ := newTestMMIO(dev)

	writeReg(t, m, regQueueDescLow, 0x12345678)
	writeReg(t, m, regQueueDescHigh, 0x9ABCDEF0)
	want := uint64(0x9ABCDEF012345678)
	if q.DescAddr != want {
		t.Fatalf("DescAddr: got %#x want %#x", q.DescAddr, want)
	}
	if got := readReg(m, regQueueDescLow); got != 0x12345678 {
		t.Fatalf("readback low: got %#x", got)
	}
	if got := readReg(m, regQueueDescHigh); got != 0x9ABCDEF0 {
		t.Fatalf("readback high: got %#x", got)
	}
}

func TestMMIONotifyDrivesProcessQueueAndIRQ(t *testing.T) {
	called := false
	dev := &fakeDevice{processFn: func(q *Queue) (bool, error) {
		called = true
		return true, nil
	}}
	m, _, vm := newTestMMIO(dev)

	writeReg(t, m, regQueueNotify, 0)

	if !called {
		t.Fatal("expected QUEUE_NOTIFY to invoke ProcessQueue")
	}
	if readReg(m, regInterruptStatus)&intVRingUsed == 0 {
		t.Fatal("expected INTERRUPT_STATUS to carry the used-buffer bit")
	}
	if len(vm.irqCalls) != 1 || !vm.irqCalls[0].level || vm.irqCalls[0].gsi != 5 {
		t.Fatalf("expected one SetIRQ(5, true) call, got %+v", vm.irqCalls)
	}

	// A second notify with nothing retired must not re-assert the IRQ.
	dev.processFn = func(q *Queue) (bool, error) { return false, nil }
	writeReg(t, m, regQueueNotify, 0)
	if len(vm.irqCalls) != 1 {
		t.Fatalf("expected no additional SetIRQ call, got %+v", vm.irqCalls)
	}

	writeReg(t, m, regInterruptAck, intVRingUsed)
	if readReg(m, regInterruptStatus) != 0 {
		t.Fatal("expected INTERRUPT_STATUS cleared after ack")
	}
	if len(vm.irqCalls) != 2 || vm.irqCalls[1].level {
		t.Fatalf("expected SetIRQ(5, false) after ack, got %+v", vm.irqCalls)
	}
}

func TestMMIOMisalignedAccessReadsAllOnes(t *testing.T) {
	dev := &fakeDevice{}
	m, _, _ := newTestMMIO(dev)

	buf := make([]byte, 2)
	if err := m.ReadMMIO(nil, m.base+regMagic+1, buf); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if buf[0] != 0xFF || buf[1] != 0xFF {
		t.Fatalf("expected all-ones for a misaligned read, got % x", buf)
	}
}

func TestMMIONarrowAlignedReadReturnsLowBytes(t *testing.T) {
	dev := &fakeDevice{}
	m, _, _ := newTestMMIO(dev)

	buf := make([]byte, 2)
	if err := m.ReadMMIO(nil, m.base+regMagic, buf); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	want := make([]byte, 4)
	binary.LittleEndian.PutUint32(want, magicValue)
	if buf[0] != want[0] || buf[1] != want[1] {
		t.Fatalf("expected low bytes of magic value, got % x want % x", buf, want[:2])
	}
}

func TestMMIOConfigSpaceReadOnly(t *testing.T) {
	dev := &fakeDevice{}
	m, _, _ := newTestMMIO(dev)

	if err := m.WriteMMIO(nil, m.base+regConfig, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
}
