// Package memory implements guest physical memory: spec §4.1.
//
// Grounded on tinyrange-cc/internal/hv/kvm/kvm.go's memoryRegion and
// virtualMachine.ReadAt/WriteAt (bounds-checked copies over an anonymous
// mmap) and its AllocateMemory mmap/madvise sequence.
package memory

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/loks0n/carbon/internal/vmerr"
)

// minSize is the spec §3 invariant: guest memory must exceed 1 MiB.
const minSize = 1 << 20

// GuestMemory owns a host-side anonymous mapping of size bytes representing
// guest physical [0, size). It is created once and not resized; callers
// hold an unowned reference for the lifetime of the VM (spec §3/§9).
type GuestMemory struct {
	mem []byte
}

// New allocates size bytes of anonymous, demand-zero host memory.
func New(size uint64) (*GuestMemory, error) {
	if size <= minSize {
		return nil, fmt.Errorf("%w: guest memory size 0x%x must exceed 1 MiB", vmerr.ErrMemoryAllocation, size)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", vmerr.ErrMemoryAllocation, err)
	}
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: madvise: %v", vmerr.ErrMemoryAllocation, err)
	}

	return &GuestMemory{mem: mem}, nil
}

// Close releases the underlying mapping. Only safe once no hypervisor
// memory-slot registration still references it.
func (g *GuestMemory) Close() error {
	if g.mem == nil {
		return nil
	}
	mem := g.mem
	g.mem = nil
	return unix.Munmap(mem)
}

// Size returns the region size in bytes.
func (g *GuestMemory) Size() uint64 { return uint64(len(g.mem)) }

// HostAddr exposes the raw backing slice for registration with the
// hypervisor as a user memory region. The tuple (host address, size) is
// spec §4.1's as_raw_parts.
func (g *GuestMemory) HostAddr() []byte { return g.mem }

func (g *GuestMemory) bounds(addr uint64, n int) error {
	if addr+uint64(n) > uint64(len(g.mem)) || addr+uint64(n) < addr {
		return fmt.Errorf("%w: [0x%x, 0x%x) out of bounds (size 0x%x)", vmerr.ErrMemoryAllocation, addr, addr+uint64(n), len(g.mem))
	}
	return nil
}

// Read copies len(buf) bytes starting at addr into buf.
func (g *GuestMemory) Read(addr uint64, buf []byte) error {
	if err := g.bounds(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, g.mem[addr:])
	return nil
}

// Write copies data into guest memory at addr. On an out-of-bounds access
// no bytes are written (spec §8: "otherwise it fails and leaves memory
// unchanged").
func (g *GuestMemory) Write(addr uint64, data []byte) error {
	if err := g.bounds(addr, len(data)); err != nil {
		return err
	}
	copy(g.mem[addr:], data)
	return nil
}

// ReadAt/WriteAt implement io.ReaderAt/io.WriterAt so GuestMemory can stand
// in directly as a virtio GuestMemory backend (internal/virtio.GuestMemory).
func (g *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", vmerr.ErrMemoryAllocation)
	}
	if err := g.bounds(uint64(off), len(p)); err != nil {
		return 0, err
	}
	return copy(p, g.mem[off:]), nil
}

func (g *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", vmerr.ErrMemoryAllocation)
	}
	if err := g.bounds(uint64(off), len(p)); err != nil {
		return 0, err
	}
	return copy(g.mem[off:], p), nil
}

func (g *GuestMemory) WriteUint8(addr uint64, v uint8) error {
	return g.Write(addr, []byte{v})
}

func (g *GuestMemory) WriteUint16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return g.Write(addr, buf[:])
}

func (g *GuestMemory) WriteUint32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return g.Write(addr, buf[:])
}

func (g *GuestMemory) WriteUint64(addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return g.Write(addr, buf[:])
}

func (g *GuestMemory) ReadUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := g.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
