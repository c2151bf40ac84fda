// Package acpi builds the fixed-address ACPI table set this module needs
// to describe itself to a HW_REDUCED-aware guest: RSDP, XSDT, FADT, DSDT,
// and MADT (spec §4.6). Grounded on tinyrange-cc/internal/acpi/builder.go's
// header-writer/checksum shape, adapted from its bump-allocated table
// region to the spec's individually fixed per-table addresses.
package acpi

import "encoding/binary"

// Fixed guest-physical addresses, spec §6's layout table.
const (
	RSDPAddr uint64 = 0xE0000
	XSDTAddr uint64 = 0xE1000
	FADTAddr uint64 = 0xE2000
	DSDTAddr uint64 = 0xE3000
	MADTAddr uint64 = 0xE4000

	headerLen = 36
)

var (
	oemID           = [6]byte{'C', 'A', 'R', 'B', 'O', 'N'}
	creatorID       = [4]byte{'C', 'B', 'V', 'M'}
	creatorRevision = uint32(1)
)

// writeHeader fills the 36-byte ACPI table header at the front of buf
// (whose total length is already known) and sets the checksum byte last.
func writeHeader(buf []byte, sig string, revision byte, oemTableID string) {
	copy(buf[0:4], sig)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	buf[8] = revision
	buf[9] = 0 // checksum, filled below
	copy(buf[10:16], oemID[:])
	var tableID [8]byte
	copy(tableID[:], oemTableID)
	copy(buf[16:24], tableID[:])
	binary.LittleEndian.PutUint32(buf[24:28], 1) // OEM revision
	copy(buf[28:32], creatorID[:])
	binary.LittleEndian.PutUint32(buf[32:36], creatorRevision)
	buf[9] = checksum(buf)
}

// checksum returns the byte that makes the arithmetic sum of buf modulo
// 256 equal zero (spec §8's checksum law).
func checksum(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return byte(-sum)
}
