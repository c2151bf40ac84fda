package boot

import (
	"fmt"

	"github.com/loks0n/carbon/internal/memory"
	"github.com/loks0n/carbon/internal/vmerr"
)

// Zero-page (boot_params) field offsets and fixed values, spec §4.4.
const (
	zeroPageSize = 4096

	e820EntriesOffset = 0x1E8
	e820TableOffset   = 0x2D0
	e820EntrySize     = 20 // base:u64 + size:u64 + type:u32

	typeOfLoaderOffset = 0x210
	loadFlagsOffset    = 0x211
	acpiRSDPOffset     = 0x70
	cmdLinePtrOffset   = 0x228

	typeOfLoaderUnknown = 0xFF
	loadFlagsLoadedHigh = 1 << 0 // LOADED_HIGH
	loadFlagsCanUseHeap = 1 << 7 // CAN_USE_HEAP

	// CmdLineAddr is the fixed guest-physical address the command-line
	// string is planted at (spec §6's layout table).
	CmdLineAddr uint64 = 0x20000
	cmdLineMax         = 2048

	// E820 entry types.
	e820TypeRAM      = 1
	e820TypeReserved = 2

	ebdaBase     = 0x9FC00
	ebdaSize     = 0x60400
	lowMemTop    = ebdaBase + ebdaSize // 0x100000 == HimemLoadAddr
)

// RSDPAddr is the fixed guest-physical address of the ACPI RSDP (spec §6).
const RSDPAddr uint64 = 0xE0000

// BuildZeroPage assembles the Linux boot_params structure at BootParamsAddr
// (spec §4.4). headerBytes is the LoadedKernel.HeaderBytes slice captured
// by LoadBzImage. cmdline is written as a separate NUL-terminated string at
// CmdLineAddr. Grounded on tinyrange-cc/internal/linux/boot/amd64/
// bootparams.go's zero-page layout constants, generalized from its dynamic
// E820 builder to the spec's fixed 3-entry map.
func BuildZeroPage(mem *memory.GuestMemory, headerBytes []byte, cmdline string, memSize uint64) error {
	if len(cmdline)+1 > cmdLineMax {
		return fmt.Errorf("%w: %d bytes", vmerr.ErrCmdlineTooLong, len(cmdline))
	}

	var page [zeroPageSize]byte
	copy(page[setupHeaderOffset:], headerBytes)

	page[typeOfLoaderOffset] = typeOfLoaderUnknown
	page[loadFlagsOffset] |= loadFlagsLoadedHigh | loadFlagsCanUseHeap

	putUint64(page[acpiRSDPOffset:], RSDPAddr)
	putUint32(page[cmdLinePtrOffset:], uint32(CmdLineAddr))

	entries := e820Entries(memSize)
	page[e820EntriesOffset] = byte(len(entries))
	for i, e := range entries {
		off := e820TableOffset + i*e820EntrySize
		putUint64(page[off:], e.base)
		putUint64(page[off+8:], e.size)
		putUint32(page[off+16:], e.typ)
	}

	if err := mem.Write(BootParamsAddr, page[:]); err != nil {
		return fmt.Errorf("%w: write boot_params: %v", vmerr.ErrMemoryAllocation, err)
	}

	var cmdlineBuf [cmdLineMax]byte
	copy(cmdlineBuf[:], cmdline)
	cmdlineBuf[len(cmdline)] = 0
	if err := mem.Write(CmdLineAddr, cmdlineBuf[:len(cmdline)+1]); err != nil {
		return fmt.Errorf("%w: write cmdline: %v", vmerr.ErrMemoryAllocation, err)
	}

	return nil
}

type e820Entry struct {
	base, size uint64
	typ        uint32
}

// e820Entries builds the spec's fixed 3-entry map: low RAM below the EBDA,
// the EBDA/MP-table/ACPI reserved hole, and high RAM from HimemLoadAddr to
// memSize.
func e820Entries(memSize uint64) []e820Entry {
	return []e820Entry{
		{base: 0, size: ebdaBase, typ: e820TypeRAM},
		{base: ebdaBase, size: ebdaSize, typ: e820TypeReserved},
		{base: lowMemTop, size: memSize - lowMemTop, typ: e820TypeRAM},
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64(b []byte, v uint64) {
	putUint32(b, uint32(v))
	putUint32(b[4:], uint32(v>>32))
}
