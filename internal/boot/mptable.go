package boot

import (
	"fmt"

	"github.com/loks0n/carbon/internal/memory"
	"github.com/loks0n/carbon/internal/vmerr"
)

// Legacy MP table layout, spec §4.5. There is no precedent for this table
// anywhere in the reference corpus (no example repo emulates an MP-capable
// chipset); the byte-buffer-plus-checksum shape is carried over from
// acpi/builder.go's RSDP/header construction, which solves the same
// "sum every byte to zero" checksum law over a different table family.
const (
	mpFloatingAddr uint64 = ebdaBase // 0x9FC00, spec §6's layout table
	mpFloatingLen         = 16
	mpConfigAddr   uint64 = mpFloatingAddr + mpFloatingLen

	mpConfigHeaderLen = 44

	mpEntryProcessor     = 0
	mpEntryBus           = 1
	mpEntryIOAPIC        = 2
	mpEntryIOInterrupt   = 3
	mpEntryLocalInterrupt = 4

	mpEntryProcessorLen = 20
	mpEntryBusLen       = 8
	mpEntryIOAPICLen    = 8
	mpEntryIOIntLen     = 8
	mpEntryLocalIntLen  = 8

	mpCPUFlagEnabled = 1 << 0
	mpCPUFlagBoot    = 1 << 1
	mpCPUFeatureFPU  = 1 << 0
	mpCPUFeatureAPIC = 1 << 9

	mpIOAPICAddr   uint32 = 0xFEC00000
	mpLocalAPICAddr uint32 = 0xFEE00000

	mpIRQTypeINT    = 0
	mpIRQTypeExtINT = 3
	mpIRQTypeNMI    = 1

	mpLINT0 = 0
	mpLINT1 = 1
)

// BuildMPTables writes the MP floating pointer and configuration table at
// the fixed EBDA address for cpuCount CPUs (spec §9(c): opt-in; the
// orchestrator only calls this when -mptable is set). cpuCount is 1 for
// every configuration this module supports (SMP is a non-goal), but the
// entry layout generalizes the way the spec describes it.
func BuildMPTables(mem *memory.GuestMemory, cpuCount int) error {
	if cpuCount < 1 {
		return fmt.Errorf("%w: mp table needs at least one cpu", vmerr.ErrMemoryAllocation)
	}

	cfg := buildMPConfigTable(cpuCount)
	if err := mem.Write(mpConfigAddr, cfg); err != nil {
		return fmt.Errorf("%w: write mp config table: %v", vmerr.ErrMemoryAllocation, err)
	}

	fp := buildMPFloatingPointer(uint32(mpConfigAddr))
	if err := mem.Write(mpFloatingAddr, fp); err != nil {
		return fmt.Errorf("%w: write mp floating pointer: %v", vmerr.ErrMemoryAllocation, err)
	}

	return nil
}

func buildMPFloatingPointer(configAddr uint32) []byte {
	buf := make([]byte, mpFloatingLen)
	copy(buf[0:4], "_MP_")
	putUint32(buf[4:8], configAddr)
	buf[8] = 1 // length in 16-byte units
	buf[9] = 4 // spec revision 1.4
	buf[10] = 0
	// bytes 11-15: feature bytes, all zero (no default configuration, MP APIC present implied by cfg table)
	buf[10] = checksum8(buf)
	return buf
}

func buildMPConfigTable(cpuCount int) []byte {
	var entries []byte

	for id := 0; id < cpuCount; id++ {
		flags := byte(mpCPUFlagEnabled)
		if id == 0 {
			flags |= mpCPUFlagBoot
		}
		e := make([]byte, mpEntryProcessorLen)
		e[0] = mpEntryProcessor
		e[1] = byte(id) // local APIC id
		e[2] = 0x14     // local APIC version
		e[3] = flags
		// cpu signature (4 bytes) and feature flags (4 bytes): report
		// APIC+FPU present, family/model left zero (unused by guests under
		// HW_REDUCED ACPI discovery).
		putUint32(e[8:12], mpCPUFeatureFPU|mpCPUFeatureAPIC)
		entries = append(entries, e...)
	}

	busEntry := make([]byte, mpEntryBusLen)
	busEntry[0] = mpEntryBus
	busEntry[1] = 0
	copy(busEntry[2:8], "ISA   ")
	entries = append(entries, busEntry...)

	ioapicID := byte(cpuCount)
	ioapicEntry := make([]byte, mpEntryIOAPICLen)
	ioapicEntry[0] = mpEntryIOAPIC
	ioapicEntry[1] = ioapicID
	ioapicEntry[2] = 0x11 // I/O APIC version
	ioapicEntry[3] = 1    // enabled
	putUint32(ioapicEntry[4:8], mpIOAPICAddr)
	entries = append(entries, ioapicEntry...)

	for irq := 0; irq < 16; irq++ {
		e := make([]byte, mpEntryIOIntLen)
		e[0] = mpEntryIOInterrupt
		e[1] = mpIRQTypeINT
		// irq flag word left zero: conforms to bus (active-high, edge) per
		// the ISA default polarity/trigger mode.
		e[4] = 0 // source bus id (the one ISA bus entry above)
		e[5] = byte(irq)
		e[6] = ioapicID
		e[7] = byte(irq)
		entries = append(entries, e...)
	}

	extINT := make([]byte, mpEntryLocalIntLen)
	extINT[0] = mpEntryLocalInterrupt
	extINT[1] = mpIRQTypeExtINT
	extINT[4] = 0 // source bus id (ISA)
	extINT[5] = 0 // source bus irq (unused for ExtINT)
	extINT[6] = 0 // dest local APIC id: CPU 0
	extINT[7] = mpLINT0
	entries = append(entries, extINT...)

	nmi := make([]byte, mpEntryLocalIntLen)
	nmi[0] = mpEntryLocalInterrupt
	nmi[1] = mpIRQTypeNMI
	nmi[4] = 0
	nmi[5] = 0
	nmi[6] = 0xFF // dest local APIC id: all CPUs
	nmi[7] = mpLINT1
	entries = append(entries, nmi...)

	entryCount := cpuCount + 1 /* bus */ + 1 /* ioapic */ + 16 /* irq */ + 2 /* local int */

	header := make([]byte, mpConfigHeaderLen)
	copy(header[0:4], "PCMP")
	putUint16(header[4:6], uint16(mpConfigHeaderLen+len(entries)))
	header[6] = 4 // spec rev 1.4
	header[7] = 0
	copy(header[8:16], "CARBON  ")
	copy(header[16:28], "CARBONVM    ")
	putUint32(header[28:32], 0)
	putUint16(header[32:34], 0)
	putUint16(header[34:36], uint16(entryCount))
	putUint32(header[36:40], mpLocalAPICAddr)
	putUint16(header[40:42], 0)
	header[42] = 0
	header[43] = 0

	table := append(header, entries...)
	table[7] = checksum8(table)
	return table
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// checksum8 returns the byte that makes the arithmetic sum of buf modulo
// 256 equal zero, per the checksum law every ACPI and MP table here
// satisfies (spec §8).
func checksum8(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return byte(-sum)
}
