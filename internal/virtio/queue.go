// Package virtio implements the virtio-mmio transport, the split-ring
// virtqueue protocol, and the virtio-blk device (spec §4.7-§4.9). Grounded
// on tinyrange-cc/internal/devices/virtio/queue.go and mmio.go, narrowed
// from their multi-queue/multi-device/PCI-and-MMIO-dual-transport
// generality to this module's single-queue, MMIO-only, block-only scope.
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// GuestMemory is the slice of guest physical memory a virtqueue walks.
// internal/memory.GuestMemory satisfies it directly.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor flags (virtio 1.x split-ring, spec §3).
const (
	descFNext  uint16 = 1
	descFWrite uint16 = 2
)

// MaxQueueSize is QUEUE_NUM_MAX (spec §4.8).
const MaxQueueSize = 128

// Descriptor is the 16-byte guest-resident descriptor-table entry (spec
// §3).
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) hasNext() bool    { return d.Flags&descFNext != 0 }
func (d Descriptor) writable() bool   { return d.Flags&descFWrite != 0 }

// Queue is the device-side split-ring state for a single virtqueue (spec
// §3/§4.7). There is exactly one queue per device in this module (queue
// selector is accepted but only index 0 is wired to storage).
type Queue struct {
	Size uint16

	Ready bool

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewQueue binds a queue to the guest memory it will walk. mem is supplied
// once, at device construction, and lives for the run (spec §3's
// "non-owning reference" lifecycle note).
func NewQueue(mem GuestMemory) *Queue {
	return &Queue{mem: mem}
}

// Reset clears ring state and addresses. Called on QUEUE_READY=0 and on a
// STATUS=0 device reset.
func (q *Queue) Reset() {
	*q = Queue{mem: q.mem}
}

func (q *Queue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	return nil
}

// HasPending reports whether the guest has published descriptors the
// device has not yet consumed (spec §4.7).
func (q *Queue) HasPending() (bool, error) {
	if err := q.ensureReady(); err != nil {
		return false, err
	}
	idx, err := q.readUint16(q.AvailAddr + 2)
	if err != nil {
		return false, err
	}
	return idx != q.lastAvailIdx, nil
}

// PopAvail returns the next available descriptor-chain head and advances
// last_avail_idx (spec §4.7).
func (q *Queue) PopAvail() (uint16, error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	ringIdx := q.lastAvailIdx % q.Size
	head, err := q.readUint16(q.AvailAddr + 4 + uint64(ringIdx)*2)
	if err != nil {
		return 0, err
	}
	q.lastAvailIdx++
	return head, nil
}

// ReadDesc bounds-checks idx and reads the 16-byte descriptor at that
// index (spec §4.7).
func (q *Queue) ReadDesc(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [16]byte
	if err := q.readInto(q.DescAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PushUsed writes a used-ring entry and bumps used.idx. The element write
// happens before the index bump; on x86 (the only target, spec §5) program
// order is sufficient and no fence is required.
func (q *Queue) PushUsed(head uint16, bytesWritten uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	slot := q.usedIdx % q.Size
	base := q.UsedAddr + 4 + uint64(slot)*8
	if err := q.writeUint32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeUint32(base+4, bytesWritten); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeUint16(q.UsedAddr+2, q.usedIdx)
}

func (q *Queue) ReadGuest(addr uint64, buf []byte) error  { return q.readInto(addr, buf) }
func (q *Queue) WriteGuest(addr uint64, buf []byte) error { return q.writeFrom(addr, buf) }

func (q *Queue) readInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *Queue) writeFrom(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest write (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *Queue) readUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) writeUint16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return q.writeFrom(addr, buf[:])
}

func (q *Queue) writeUint32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return q.writeFrom(addr, buf[:])
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 || uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}
