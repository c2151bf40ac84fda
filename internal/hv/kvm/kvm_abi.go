//go:build linux

package kvm

// Wire-exact structures matching the kernel's <linux/kvm.h> ABI on amd64.
// Field order and width must not change; these are copied into/out of the
// kernel by raw ioctl, not by any encoding library.

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmRegs struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rsp, Rbp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip, Rflags           uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

const kvmNrInterrupts = 256

type kvmSRegs struct {
	CS, DS, ES, FS, GS, SS kvmSegment
	TR, LDT                kvmSegment
	GDT, IDT               kvmDTable
	CR0                    uint64
	CR2                    uint64
	CR3                    uint64
	CR4                    uint64
	CR8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

type kvmFPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	Pad1       uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	Pad2       uint32
}

type kvmMsrEntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// kvmMsrsHeader is the fixed portion of kvm_msrs; the variable-length
// trailing kvmMsrEntry array is appended manually in kvm_bindings.go since
// Go has no flexible-array-member equivalent.
type kvmMsrsHeader struct {
	Nmsrs uint32
	Pad   uint32
}

type kvmMsrListHeader struct {
	Nmsrs uint32
}

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type kvmCPUID2Header struct {
	Nr      uint32
	Padding uint32
}

type kvmIRQLevel struct {
	IRQ   uint32
	Level uint32
}

type kvmPitConfig struct {
	Flags uint32
	Pad   [15]uint32
}

const syncRegsSizeBytes = 2048

// kvmRunData mirrors the shared kvm_run mmap page. Only the fields this
// module reads/writes are named precisely; the rest are kept as padding to
// preserve overall struct size and field offsets for exitReason onward.
type kvmRunData struct {
	requestInterruptWindow uint8
	immediateExit          uint8
	padding1               [6]uint8
	exitReason             uint32
	readyForInterrupt      uint8
	ifFlag                 uint8
	flags                  uint16
	cr8                    uint64
	apicBase               uint64
	// Union of per-exit-reason data (IO/MMIO/system-event/etc), 256 bytes
	// on amd64 matching the kernel header's anonymous union.
	data [256]byte
	kvmValidRegs   uint64
	kvmDirtyRegs   uint64
	syncRegsPad    [syncRegsSizeBytes]byte
}

// kvmExitIOData overlays kvmRunData.data for KVM_EXIT_IO.
type kvmExitIOData struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// kvmExitMMIOData overlays kvmRunData.data for KVM_EXIT_MMIO.
type kvmExitMMIOData struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// kvmSystemEventData overlays kvmRunData.data for KVM_EXIT_SYSTEM_EVENT.
type kvmSystemEventData struct {
	Type  uint32
	Ndata uint32
	Data  [16]uint64
}

// kvmInternalErrorData overlays kvmRunData.data for KVM_EXIT_INTERNAL_ERROR.
type kvmInternalErrorData struct {
	Suberror uint32
	Ndata    uint32
	Data     [16]uint64
}
