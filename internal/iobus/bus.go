// Package iobus routes port-I/O and MMIO exits to the device that owns
// them (spec §4.11). Grounded on tinyrange-cc/internal/chipset's
// Builder/Chipset split (builder.go's registration, chipset.go's
// HandlePIO/HandleMMIO dispatch), narrowed from its named-device registry
// and error-on-miss semantics to a plain sorted-interval table with
// permissive misses.
package iobus

import (
	"fmt"
	"sort"

	"github.com/loks0n/carbon/internal/hv"
)

type mmioEntry struct {
	base   uint64
	size   uint64
	device hv.MemoryMappedIODevice
}

// Bus is the sorted-interval MMIO table plus the direct port-I/O map (spec
// §3's "I/O Bus entries"). A miss on either table is not an error: MMIO
// reads return all-ones, port-I/O reads return zero, and writes to either
// are silently discarded, matching what real hardware does when nothing
// answers a bus cycle.
type Bus struct {
	mmio []mmioEntry
	pio  map[uint16]hv.X86IOPortDevice
}

// New returns an empty bus ready for Register calls.
func New() *Bus {
	return &Bus{pio: make(map[uint16]hv.X86IOPortDevice)}
}

// RegisterMMIO adds every MMIO window dev declares, keeping the table
// sorted by base address. Overlapping windows are a configuration error.
func (b *Bus) RegisterMMIO(dev hv.MemoryMappedIODevice) error {
	for _, r := range dev.MMIORegions() {
		if r.Size == 0 {
			return fmt.Errorf("iobus: mmio region at 0x%x has zero size", r.Address)
		}
		end := r.Address + r.Size
		if end < r.Address {
			return fmt.Errorf("iobus: mmio region at 0x%x overflows", r.Address)
		}
		for _, existing := range b.mmio {
			if r.Address < existing.base+existing.size && existing.base < end {
				return fmt.Errorf("iobus: mmio region 0x%x-0x%x overlaps existing 0x%x-0x%x",
					r.Address, end-1, existing.base, existing.base+existing.size-1)
			}
		}
		b.mmio = append(b.mmio, mmioEntry{base: r.Address, size: r.Size, device: dev})
	}
	sort.Slice(b.mmio, func(i, j int) bool { return b.mmio[i].base < b.mmio[j].base })
	return nil
}

// RegisterPortIO adds every I/O port dev declares.
func (b *Bus) RegisterPortIO(dev hv.X86IOPortDevice) error {
	for _, port := range dev.IOPorts() {
		if _, exists := b.pio[port]; exists {
			return fmt.Errorf("iobus: port 0x%x already registered", port)
		}
		b.pio[port] = dev
	}
	return nil
}

// findMMIO returns the entry whose interval fully contains [addr,
// addr+len), via binary search over the base-sorted table (spec §4.11:
// "routes an access to the single covering entry").
func (b *Bus) findMMIO(addr uint64, length int) (mmioEntry, bool) {
	end := addr + uint64(length)
	i := sort.Search(len(b.mmio), func(i int) bool { return b.mmio[i].base+b.mmio[i].size > addr })
	if i == len(b.mmio) {
		return mmioEntry{}, false
	}
	e := b.mmio[i]
	if addr < e.base || end > e.base+e.size {
		return mmioEntry{}, false
	}
	return e, true
}

// HandleMMIO implements hv.Bus.
func (b *Bus) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	entry, ok := b.findMMIO(addr, len(data))
	if !ok {
		if !isWrite {
			for i := range data {
				data[i] = 0xFF
			}
		}
		return nil
	}
	if isWrite {
		return entry.device.WriteMMIO(ctx, addr, data)
	}
	return entry.device.ReadMMIO(ctx, addr, data)
}

// HandlePortIO implements hv.Bus.
func (b *Bus) HandlePortIO(ctx hv.ExitContext, port uint16, data []byte, isWrite bool) error {
	dev, ok := b.pio[port]
	if !ok {
		if !isWrite {
			for i := range data {
				data[i] = 0
			}
		}
		return nil
	}
	if isWrite {
		return dev.WriteIOPort(ctx, port, data)
	}
	return dev.ReadIOPort(ctx, port, data)
}

var _ hv.Bus = (*Bus)(nil)
