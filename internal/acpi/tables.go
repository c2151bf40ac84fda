package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/loks0n/carbon/internal/hv"
)

// FADT flag bits (ACPI 6.5 §5.2.9.3), only the ones this module sets.
const (
	fadtFlagPowerButton = 1 << 4
	fadtFlagSleepButton = 1 << 5
	fadtFlagHWReduced   = 1 << 20

	iapcBootArchVGANotPresent = 1 << 2

	fadtLen = 276

	madtLocalAPICAddr uint32 = 0xFEE00000

	madtEntryLocalAPIC  = 0
	madtEntryIOAPIC     = 1
	madtEntryIntOverride = 2

	ioapicID      uint8  = 0
	ioapicAddress uint32 = 0xFEC00000
)

// VirtioDescriptor is the configuration input the DSDT emitter consumes to
// describe one virtio-mmio slot (spec §3). id must be 0..15.
type VirtioDescriptor struct {
	ID       int
	MMIOBase uint64
	MMIOSize uint64
	GSI      uint32
}

// Install writes RSDP, XSDT, FADT, DSDT, and MADT at their fixed addresses
// (spec §4.6) and returns only an error: callers discover the RSDP via the fixed
// address the zero-page builder also plants (boot.RSDPAddr == RSDPAddr).
func Install(vm hv.VirtualMachine, cpuCount int, devices []VirtioDescriptor) error {
	if cpuCount < 1 {
		return fmt.Errorf("acpi: need at least one cpu")
	}

	dsdt := buildDSDT(devices)
	if err := writeAt(vm, DSDTAddr, dsdt); err != nil {
		return fmt.Errorf("acpi: write dsdt: %w", err)
	}

	fadt := buildFADT(DSDTAddr)
	if err := writeAt(vm, FADTAddr, fadt); err != nil {
		return fmt.Errorf("acpi: write fadt: %w", err)
	}

	madt := buildMADT(cpuCount)
	if err := writeAt(vm, MADTAddr, madt); err != nil {
		return fmt.Errorf("acpi: write madt: %w", err)
	}

	xsdt := buildXSDT([]uint64{FADTAddr, MADTAddr})
	if err := writeAt(vm, XSDTAddr, xsdt); err != nil {
		return fmt.Errorf("acpi: write xsdt: %w", err)
	}

	rsdp := buildRSDP(XSDTAddr)
	if err := writeAt(vm, RSDPAddr, rsdp); err != nil {
		return fmt.Errorf("acpi: write rsdp: %w", err)
	}

	return nil
}

func writeAt(vm hv.VirtualMachine, addr uint64, data []byte) error {
	_, err := vm.WriteAt(data, int64(addr))
	return err
}

// buildRSDP builds the 36-byte ACPI 2.0+ RSDP with both the legacy
// (first-20-byte) and extended (whole-structure) checksums (spec §4.6,
// §8's checksum law). Grounded on acpi/builder.go's buildRSDP.
func buildRSDP(xsdtAddr uint64) []byte {
	buf := make([]byte, 36)
	copy(buf[0:8], "RSD PTR ")
	copy(buf[9:15], oemID[:])
	buf[15] = 2 // revision
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(buf)))
	binary.LittleEndian.PutUint64(buf[24:32], xsdtAddr)
	// bytes 32:36 reserved, left zero

	buf[8] = checksum(buf[:20])
	buf[32] = checksum(buf)
	return buf
}

func buildXSDT(entries []uint64) []byte {
	buf := make([]byte, headerLen+8*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[headerLen+8*i:], e)
	}
	writeHeader(buf, "XSDT", 1, "CBVMXSDT")
	return buf
}

// buildFADT lays out a 276-byte ACPI 6.5 FADT. Only the fields spec §4.6
// names are non-zero; every PM register GAS block stays zero (no legacy PM
// hardware under HW_REDUCED).
func buildFADT(dsdtAddr uint64) []byte {
	buf := make([]byte, fadtLen)

	binary.LittleEndian.PutUint32(buf[36:40], 0)                  // FIRMWARE_CTRL (unused, no FACS)
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dsdtAddr))   // DSDT (32-bit)
	binary.LittleEndian.PutUint16(buf[109:111], iapcBootArchVGANotPresent)
	binary.LittleEndian.PutUint32(buf[112:116], fadtFlagPowerButton|fadtFlagSleepButton|fadtFlagHWReduced)

	binary.LittleEndian.PutUint64(buf[140:148], dsdtAddr) // X_DSDT

	writeHeader(buf, "FACP", 6, "CBVMFADT")
	return buf
}

// buildMADT lays out the MADT body: local-APIC address, flags (0 under
// HW_REDUCED: no legacy 8259 PIC), one Local-APIC entry per CPU, one
// I/O-APIC entry, and the ISA-IRQ0-to-GSI2 override (spec §4.6). Grounded
// on acpi/install.go's buildMADTBody byte sequence.
func buildMADT(cpuCount int) []byte {
	body := make([]byte, 0, 8+cpuCount*8+12+10)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], madtLocalAPICAddr)
	binary.LittleEndian.PutUint32(hdr[4:8], 0) // flags: no legacy PIC
	body = append(body, hdr[:]...)

	for cpu := 0; cpu < cpuCount; cpu++ {
		var e [8]byte
		e[0] = madtEntryLocalAPIC
		e[1] = 8
		e[2] = uint8(cpu) // ACPI processor ID
		e[3] = uint8(cpu) // APIC ID
		binary.LittleEndian.PutUint32(e[4:8], 1)
		body = append(body, e[:]...)
	}

	var ioapic [12]byte
	ioapic[0] = madtEntryIOAPIC
	ioapic[1] = 12
	ioapic[2] = ioapicID
	ioapic[3] = 0
	binary.LittleEndian.PutUint32(ioapic[4:8], ioapicAddress)
	binary.LittleEndian.PutUint32(ioapic[8:12], 0) // GSI base
	body = append(body, ioapic[:]...)

	var override [10]byte
	override[0] = madtEntryIntOverride
	override[1] = 10
	override[2] = 0 // bus: ISA
	override[3] = 0 // source IRQ 0
	binary.LittleEndian.PutUint32(override[4:8], 2) // GSI 2
	binary.LittleEndian.PutUint16(override[8:10], 0)
	body = append(body, override[:]...)

	buf := make([]byte, headerLen+len(body))
	copy(buf[headerLen:], body)
	writeHeader(buf, "APIC", 1, "CBVMMADT")
	return buf
}

func buildDSDT(devices []VirtioDescriptor) []byte {
	body := emitDSDTBody(devices)
	buf := make([]byte, headerLen+len(body))
	copy(buf[headerLen:], body)
	writeHeader(buf, "DSDT", 2, "CBVMDSDT")
	return buf
}
