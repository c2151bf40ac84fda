package iobus

import (
	"testing"

	"github.com/loks0n/carbon/internal/hv"
)

type fakeMMIODevice struct {
	regions []hv.MMIORegion
	reads   [][]byte
	writes  [][]byte
}

func (d *fakeMMIODevice) Init(hv.VirtualMachine) error     { return nil }
func (d *fakeMMIODevice) MMIORegions() []hv.MMIORegion     { return d.regions }
func (d *fakeMMIODevice) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0x11
	}
	d.reads = append(d.reads, append([]byte(nil), data...))
	return nil
}
func (d *fakeMMIODevice) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	d.writes = append(d.writes, append([]byte(nil), data...))
	return nil
}

type fakePortDevice struct {
	ports  []uint16
	reads  int
	writes int
}

func (d *fakePortDevice) Init(hv.VirtualMachine) error { return nil }
func (d *fakePortDevice) IOPorts() []uint16            { return d.ports }
func (d *fakePortDevice) ReadIOPort(_ hv.ExitContext, port uint16, data []byte) error {
	d.reads++
	for i := range data {
		data[i] = 0x22
	}
	return nil
}
func (d *fakePortDevice) WriteIOPort(_ hv.ExitContext, port uint16, data []byte) error {
	d.writes++
	return nil
}

func TestMMIORoutingHitsCoveringDevice(t *testing.T) {
	bus := New()
	dev := &fakeMMIODevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x100}}}
	if err := bus.RegisterMMIO(dev); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}

	data := make([]byte, 4)
	if err := bus.HandleMMIO(nil, 0x1010, data, false); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}
	if data[0] != 0x11 {
		t.Fatalf("got %#x want 0x11", data[0])
	}
	if len(dev.reads) != 1 {
		t.Fatalf("expected device to see exactly one read, got %d", len(dev.reads))
	}
}

func TestMMIOMissReturnsAllOnesAndDiscardsWrites(t *testing.T) {
	bus := New()
	dev := &fakeMMIODevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x100}}}
	if err := bus.RegisterMMIO(dev); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}

	data := []byte{0, 0, 0, 0}
	if err := bus.HandleMMIO(nil, 0x5000, data, false); err != nil {
		t.Fatalf("HandleMMIO read miss: %v", err)
	}
	for _, b := range data {
		if b != 0xFF {
			t.Fatalf("miss read: got % x want all-ones", data)
		}
	}

	if err := bus.HandleMMIO(nil, 0x5000, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatalf("HandleMMIO write miss: %v", err)
	}
	if len(dev.writes) != 0 {
		t.Fatal("expected write miss to never reach a registered device")
	}
}

func TestMMIOOverlappingRegionsRejected(t *testing.T) {
	bus := New()
	if err := bus.RegisterMMIO(&fakeMMIODevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x100}}}); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}
	err := bus.RegisterMMIO(&fakeMMIODevice{regions: []hv.MMIORegion{{Address: 0x1080, Size: 0x100}}})
	if err == nil {
		t.Fatal("expected overlapping MMIO region to be rejected")
	}
}

func TestMMIOAdjacentRegionsAccepted(t *testing.T) {
	bus := New()
	if err := bus.RegisterMMIO(&fakeMMIODevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x100}}}); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}
	if err := bus.RegisterMMIO(&fakeMMIODevice{regions: []hv.MMIORegion{{Address: 0x1100, Size: 0x100}}}); err != nil {
		t.Fatalf("RegisterMMIO adjacent: %v", err)
	}
}

func TestPortIORoutingAndMiss(t *testing.T) {
	bus := New()
	dev := &fakePortDevice{ports: []uint16{0x3F8, 0x3F9}}
	if err := bus.RegisterPortIO(dev); err != nil {
		t.Fatalf("RegisterPortIO: %v", err)
	}

	data := make([]byte, 1)
	if err := bus.HandlePortIO(nil, 0x3F8, data, false); err != nil {
		t.Fatalf("HandlePortIO: %v", err)
	}
	if data[0] != 0x22 {
		t.Fatalf("got %#x want 0x22", data[0])
	}

	miss := []byte{0xAB}
	if err := bus.HandlePortIO(nil, 0x3FB, miss, false); err != nil {
		t.Fatalf("HandlePortIO miss: %v", err)
	}
	if miss[0] != 0 {
		t.Fatalf("miss read: got %#x want 0", miss[0])
	}

	if err := bus.HandlePortIO(nil, 0x3FB, []byte{1}, true); err != nil {
		t.Fatalf("HandlePortIO write miss: %v", err)
	}
}

func TestPortIODuplicateRegistrationRejected(t *testing.T) {
	bus := New()
	if err := bus.RegisterPortIO(&fakePortDevice{ports: []uint16{0x70}}); err != nil {
		t.Fatalf("RegisterPortIO: %v", err)
	}
	if err := bus.RegisterPortIO(&fakePortDevice{ports: []uint16{0x70}}); err == nil {
		t.Fatal("expected duplicate port registration to be rejected")
	}
}

func TestFindMMIORejectsPartialOverlap(t *testing.T) {
	bus := New()
	if err := bus.RegisterMMIO(&fakeMMIODevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x10}}}); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}
	// An access starting inside the region but extending past its end must
	// be treated as a miss, not routed to the device with a truncated view.
	data := make([]byte, 8)
	if err := bus.HandleMMIO(nil, 0x100C, data, false); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}
	for _, b := range data {
		if b != 0xFF {
			t.Fatalf("expected miss (all-ones) for a spanning access, got % x", data)
		}
	}
}
