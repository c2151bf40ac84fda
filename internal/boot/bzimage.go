// Package boot implements the Linux x86_64 boot-protocol construction
// steps: bzImage parsing, page tables, the zero page, and (optionally) the
// legacy MP tables. Grounded on tinyrange-cc/internal/linux/boot/amd64/
// bzimage.go, load.go, and bootparams.go.
package boot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/loks0n/carbon/internal/memory"
	"github.com/loks0n/carbon/internal/vmerr"
)

const (
	setupHeaderOffset = 0x1F1
	setupHeaderMax    = 0x80 // header bytes extend to at most 0x1F1+0x80 = 0x271
	magicOffset       = 0x202
	versionOffset     = 0x206
	setupSectsOffset  = 0x1F1

	bootMagic  = 0x53726448 // "HdrS" little-endian
	minVersion = 0x0206
	minImgLen  = 0x250

	// HimemLoadAddr is the fixed guest-physical address the protected-mode
	// kernel image is copied to (spec §4.2).
	HimemLoadAddr uint64 = 0x100000
)

// LoadedKernel holds the raw setup-header bytes extracted from the bzImage
// (spec §3). Ephemeral: consumed by BuildZeroPage.
type LoadedKernel struct {
	HeaderBytes []byte
	EntryPoint  uint64
}

// LoadBzImage validates and copies a bzImage into guest memory at
// HimemLoadAddr, returning the setup header bytes for the zero-page
// builder. Grounded on bzimage.go's parseHeader + load.go's
// LoadIntoMemory.
func LoadBzImage(r io.Reader, mem *memory.GuestMemory) (*LoadedKernel, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vmerr.ErrReadKernel, err)
	}

	if len(data) < minImgLen {
		return nil, fmt.Errorf("%w: image too small (%d bytes)", vmerr.ErrInvalidKernel, len(data))
	}

	magic := binary.LittleEndian.Uint32(data[magicOffset : magicOffset+4])
	if magic != bootMagic {
		return nil, fmt.Errorf("%w: bad header magic 0x%08x", vmerr.ErrInvalidKernel, magic)
	}

	version := binary.LittleEndian.Uint16(data[versionOffset : versionOffset+2])
	if version < minVersion {
		return nil, fmt.Errorf("%w: unsupported boot protocol version 0x%04x", vmerr.ErrInvalidKernel, version)
	}

	setupSects := int(data[setupSectsOffset])
	if setupSects == 0 {
		setupSects = 4
	}
	setupSize := (setupSects + 1) * 512
	if setupSize >= len(data) {
		return nil, fmt.Errorf("%w: setup size 0x%x overflows image length 0x%x", vmerr.ErrInvalidKernel, setupSize, len(data))
	}

	payload := data[setupSize:]
	if err := mem.Write(HimemLoadAddr, payload); err != nil {
		return nil, fmt.Errorf("%w: copy payload: %v", vmerr.ErrMemoryAllocation, err)
	}

	headerEnd := setupHeaderOffset + setupHeaderMax
	if headerEnd > len(data) {
		headerEnd = len(data)
	}

	k := &LoadedKernel{
		HeaderBytes: append([]byte(nil), data[setupHeaderOffset:headerEnd]...),
		EntryPoint:  HimemLoadAddr + 0x200,
	}
	return k, nil
}
