package boot

import (
	"fmt"

	"github.com/loks0n/carbon/internal/memory"
)

// Fixed low-memory layout (spec §6's address table).
const (
	PML4Addr  uint64 = 0x9000
	PDPTEAddr uint64 = 0xA000
	PDEAddr   uint64 = 0xB000

	GDTAddr uint64 = 0x500
	IDTAddr uint64 = 0x520

	BootParamsAddr uint64 = 0x7000
	InitialRSP     uint64 = 0x8FF0
	InitialRSI     uint64 = 0x7000
	InitialRFlags  uint64 = 0x2

	CodeSelector uint16 = 0x10 // GDT index 2
	DataSelector uint16 = 0x18 // GDT index 3
	TSSSelector  uint16 = 0x20 // GDT index 4
)

// pageTableFlags are the identity-mapping leaf/table flags spec §4.3 names:
// present | writable, plus PS (page size) on the PDE leaves.
const (
	pteFlagsTable = 0x03
	pteFlagsLeaf  = 0x83
)

// BuildPageTables identity-maps the first 1 GiB with 2 MiB leaves at the
// fixed PML4/PDPTE/PDE addresses. Grounded on
// tinyrange-cc/internal/hv/kvm/kvm_amd64.go's SetLongModeWithSelectors,
// narrowed from its general multi-GiB loop to the spec's exact single
// top-level PML4 entry / single PDPTE entry / 512-entry PDE layout.
func BuildPageTables(mem *memory.GuestMemory) error {
	var pml4 [512]uint64
	pml4[0] = PDPTEAddr | pteFlagsTable
	if err := writeTable(mem, PML4Addr, pml4[:]); err != nil {
		return fmt.Errorf("write pml4: %w", err)
	}

	var pdpte [512]uint64
	pdpte[0] = PDEAddr | pteFlagsTable
	if err := writeTable(mem, PDPTEAddr, pdpte[:]); err != nil {
		return fmt.Errorf("write pdpte: %w", err)
	}

	var pde [512]uint64
	for i := range pde {
		pde[i] = (uint64(i) << 21) | pteFlagsLeaf
	}
	if err := writeTable(mem, PDEAddr, pde[:]); err != nil {
		return fmt.Errorf("write pde: %w", err)
	}

	return nil
}

func writeTable(mem *memory.GuestMemory, base uint64, entries []uint64) error {
	for i, e := range entries {
		if err := mem.WriteUint64(base+uint64(i)*8, e); err != nil {
			return err
		}
	}
	return nil
}

// gdtEntry packs a classic 8-byte x86 segment descriptor from a 16-bit
// flags/type/DPL/present word, a 32-bit base, and a 32-bit limit. This is
// the standard boot-GDT construction used by minimal x86_64 loaders
// (flags carries the access byte in bits 0-7 and the G/DB/L/AVL nibble in
// bits 12-15; bits 16-19 of limit fill the nibble in between).
func gdtEntry(flags uint16, base uint32, limit uint32) uint64 {
	return ((uint64(base) & 0xFF000000) << (56 - 24)) |
		(uint64(flags) << 40) |
		((uint64(limit) & 0x000F0000) << (48 - 16)) |
		((uint64(base) & 0x00FFFFFF) << 16) |
		(uint64(limit) & 0x0000FFFF)
}

// BuildGDT writes the 5-entry, 40-byte GDT at GDTAddr and a zero-limit IDT
// at IDTAddr (spec §4.3): index 2 is a 64-bit code segment (flags 0xA09B,
// limit 0xFFFFF), index 3 a flat data segment (flags 0xC093), index 4 a
// TSS descriptor (flags 0x808B) whose base is unused because KVM's own
// TSS, set via KVM_SET_TSS_ADDR, is what actually backs task switches.
func BuildGDT(mem *memory.GuestMemory) error {
	entries := [5]uint64{
		gdtEntry(0, 0, 0),          // 0: null
		gdtEntry(0, 0, 0),          // 1: reserved
		gdtEntry(0xA09B, 0, 0xFFFFF), // 2: code
		gdtEntry(0xC093, 0, 0xFFFFF), // 3: data
		gdtEntry(0x808B, 0, 0xFFFFF), // 4: TSS
	}
	for i, e := range entries {
		if err := mem.WriteUint64(GDTAddr+uint64(i)*8, e); err != nil {
			return fmt.Errorf("write gdt entry %d: %w", i, err)
		}
	}
	// IDT: limit 0, base irrelevant (guest never takes an interrupt before
	// loading its own IDT).
	if err := mem.WriteUint64(IDTAddr, 0); err != nil {
		return fmt.Errorf("write idt: %w", err)
	}
	return nil
}
