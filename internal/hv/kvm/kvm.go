//go:build linux

package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/loks0n/carbon/internal/hv"
	"golang.org/x/sys/unix"
)

// x86_64-specific control-register bits (Intel SDM Vol. 3).
const (
	cr0PE uint64 = 1 << 0
	cr0ET uint64 = 1 << 4
	cr0NE uint64 = 1 << 5
	cr0WP uint64 = 1 << 16
	cr0AM uint64 = 1 << 18
	cr0PG uint64 = 1 << 31

	cr4PAE uint64 = 1 << 5

	eferLME uint64 = 1 << 8
	eferLMA uint64 = 1 << 10
)

type virtualMachine struct {
	hv   *hypervisor
	vmFd int

	memMu  sync.RWMutex
	memory []byte
	base   uint64

	vcpu *virtualCPU
	bus  hv.Bus
}

func (v *virtualMachine) MemoryBase() uint64 { return v.base }
func (v *virtualMachine) MemorySize() uint64 { return uint64(len(v.memory)) }
func (v *virtualMachine) Bus() hv.Bus        { return v.bus }

// AttachBus wires the device bus after construction, once every device is
// registered.
func (v *virtualMachine) AttachBus(b hv.Bus) { v.bus = b }

func (v *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	return readWriteAt(v.memory, v.base, p, off, false)
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	return readWriteAt(v.memory, v.base, p, off, true)
}

func readWriteAt(mem []byte, base uint64, p []byte, off int64, write bool) (int, error) {
	if off < int64(base) {
		return 0, fmt.Errorf("kvm: address 0x%x below memory base 0x%x", off, base)
	}
	hostOff := uint64(off) - base
	if hostOff+uint64(len(p)) > uint64(len(mem)) {
		return 0, fmt.Errorf("kvm: access [0x%x, 0x%x) out of bounds (memory size 0x%x)", off, uint64(off)+uint64(len(p)), len(mem))
	}
	if write {
		return copy(mem[hostOff:], p), nil
	}
	return copy(p, mem[hostOff:]), nil
}

func (v *virtualMachine) AddDevice(dev hv.Device) error {
	return dev.Init(v)
}

func (v *virtualMachine) SetIRQ(gsi uint32, level bool) error {
	if err := irqLine(v.vmFd, gsi, level); err != nil {
		return fmt.Errorf("kvm: set irq line %d: %w", gsi, err)
	}
	return nil
}

func (v *virtualMachine) CreateVCPU(id int) (hv.VirtualCPU, error) {
	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vcpu %d: %w", id, err)
	}

	mmapSize, err := getVCPUMmapSize(v.hv.fd)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: get vcpu mmap size: %w", err)
	}

	run, err := unix.Mmap(vcpuFd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap vcpu run: %w", err)
	}

	vcpu := &virtualCPU{vm: v, id: id, fd: vcpuFd, run: run}
	v.vcpu = vcpu

	if err := vcpu.archInit(); err != nil {
		return nil, fmt.Errorf("kvm: arch vcpu init: %w", err)
	}

	return vcpu, nil
}

// Close releases the vCPU mmap and the VM file descriptor. It does not
// unmap guest memory: that slab is owned by the caller (internal/memory.
// GuestMemory), constructed before the VM and freed after it per spec §3's
// lifetime ordering.
func (v *virtualMachine) Close() error {
	v.memMu.Lock()
	v.memory = nil
	v.memMu.Unlock()

	if v.vcpu != nil {
		unix.Munmap(v.vcpu.run)
		unix.Close(v.vcpu.fd)
	}
	if v.vmFd >= 0 {
		unix.Close(v.vmFd)
	}
	return nil
}

var _ hv.VirtualMachine = &virtualMachine{}

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte
}

func (c *virtualCPU) ID() int                     { return c.id }
func (c *virtualCPU) VirtualMachine() hv.VirtualMachine { return c.vm }

func (c *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&c.run[0]))
}

var regularRegisters = map[hv.Register]func(*kvmRegs) *uint64{
	hv.RegisterRax:    func(r *kvmRegs) *uint64 { return &r.Rax },
	hv.RegisterRbx:    func(r *kvmRegs) *uint64 { return &r.Rbx },
	hv.RegisterRcx:    func(r *kvmRegs) *uint64 { return &r.Rcx },
	hv.RegisterRdx:    func(r *kvmRegs) *uint64 { return &r.Rdx },
	hv.RegisterRsi:    func(r *kvmRegs) *uint64 { return &r.Rsi },
	hv.RegisterRdi:    func(r *kvmRegs) *uint64 { return &r.Rdi },
	hv.RegisterRsp:    func(r *kvmRegs) *uint64 { return &r.Rsp },
	hv.RegisterRbp:    func(r *kvmRegs) *uint64 { return &r.Rbp },
	hv.RegisterR8:     func(r *kvmRegs) *uint64 { return &r.R8 },
	hv.RegisterR9:     func(r *kvmRegs) *uint64 { return &r.R9 },
	hv.RegisterR10:    func(r *kvmRegs) *uint64 { return &r.R10 },
	hv.RegisterR11:    func(r *kvmRegs) *uint64 { return &r.R11 },
	hv.RegisterR12:    func(r *kvmRegs) *uint64 { return &r.R12 },
	hv.RegisterR13:    func(r *kvmRegs) *uint64 { return &r.R13 },
	hv.RegisterR14:    func(r *kvmRegs) *uint64 { return &r.R14 },
	hv.RegisterR15:    func(r *kvmRegs) *uint64 { return &r.R15 },
	hv.RegisterRip:    func(r *kvmRegs) *uint64 { return &r.Rip },
	hv.RegisterRflags: func(r *kvmRegs) *uint64 { return &r.Rflags },
}

func (c *virtualCPU) SetRegisters(regs map[hv.Register]uint64) error {
	cur, err := getRegs(c.fd)
	if err != nil {
		return fmt.Errorf("kvm: get regs: %w", err)
	}
	for reg, val := range regs {
		if f, ok := regularRegisters[reg]; ok {
			*f(&cur) = val
			continue
		}
		if reg == hv.RegisterCr3 || reg == hv.RegisterCr0 || reg == hv.RegisterCr4 || reg == hv.RegisterEfer {
			return fmt.Errorf("kvm: %s must be set via SetLongMode, not SetRegisters", reg)
		}
		return fmt.Errorf("kvm: unsupported register %s", reg)
	}
	if err := setRegs(c.fd, &cur); err != nil {
		return fmt.Errorf("kvm: set regs: %w", err)
	}
	return nil
}

func (c *virtualCPU) GetRegisters(regs map[hv.Register]uint64) (map[hv.Register]uint64, error) {
	cur, err := getRegs(c.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get regs: %w", err)
	}
	out := make(map[hv.Register]uint64, len(regs))
	for reg := range regs {
		if f, ok := regularRegisters[reg]; ok {
			out[reg] = *f(&cur)
			continue
		}
		return nil, fmt.Errorf("kvm: unsupported register %s", reg)
	}
	return out, nil
}

// archInit mirrors the teacher's archVCPUInit: fetch the supported cpuid
// set, inject the paravirt leaves, and program the fixed boot MSRs.
func (c *virtualCPU) archInit() error {
	supported, err := getSupportedCPUID(c.vm.hv.fd)
	if err != nil {
		return fmt.Errorf("get supported cpuid: %w", err)
	}

	entries := injectParavirtCPUID(supported)
	if err := setCPUID2(c.fd, entries); err != nil {
		return fmt.Errorf("set cpuid2: %w", err)
	}

	if err := setMSRs(c.fd, bootMSRs()); err != nil {
		return fmt.Errorf("set boot msrs: %w", err)
	}

	return nil
}

// injectParavirtCPUID adds/overwrites the KVM signature, feature, and TSC
// leaves on top of the host-supported set. Grounded on
// internal/hv/kvm/kvm_amd64.go's injectKvmParavirtCpuid; extended with the
// 0x40000010 TSC-kHz leaf the teacher does not emit.
func injectParavirtCPUID(supported []kvmCPUIDEntry2) []kvmCPUIDEntry2 {
	out := make([]kvmCPUIDEntry2, 0, len(supported)+3)
	for _, e := range supported {
		switch e.Function {
		case cpuidLeafSignature, cpuidLeafFeatures, cpuidLeafTSCKHz:
			continue // replaced below
		default:
			out = append(out, e)
		}
	}

	out = append(out,
		kvmCPUIDEntry2{
			Function: cpuidLeafSignature,
			Eax:      cpuidLeafFeatures,
			Ebx:      kvmSigEbx,
			Ecx:      kvmSigEcx,
			Edx:      kvmSigEdx,
		},
		kvmCPUIDEntry2{
			Function: cpuidLeafFeatures,
			Eax:      kvmFeatureClockSource | kvmFeatureClockSourceStable,
		},
		kvmCPUIDEntry2{
			Function: cpuidLeafTSCKHz,
			Eax:      defaultTSCKHz,
			Ebx:      0,
		},
	)

	return out
}

func (c *virtualCPU) SetProtectedMode() error {
	s, err := getSregs(c.fd)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	flat := kvmSegment{Base: 0, Limit: 0xFFFFFFFF, Present: 1, S: 1, G: 1, DB: 1}
	code := flat
	code.Selector = 0x08
	code.Type = 0x0B
	data := flat
	data.Selector = 0x10
	data.Type = 0x03

	s.CS = code
	s.DS, s.ES, s.FS, s.GS, s.SS = data, data, data, data, data
	s.CR0 |= cr0PE

	if err := setSregs(c.fd, &s); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}
	return nil
}

// SetLongMode programs the control registers, EFER, segment registers,
// GDTR/IDTR, and FPU state for 64-bit long mode per spec §4.3. pml4 is the
// guest-physical address of the top-level page table built by
// internal/boot's paging step.
func (c *virtualCPU) SetLongMode(pml4 uint64, codeSelector, dataSelector, tssSelector uint16) error {
	s, err := getSregs(c.fd)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	s.CR3 = pml4
	s.CR4 |= cr4PAE
	s.CR0 |= cr0PE | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	s.Efer |= eferLME | eferLMA

	code := kvmSegment{Base: 0, Limit: 0xFFFFF, Selector: codeSelector, Present: 1, S: 1, L: 1, G: 1, Type: 0x0B}
	data := kvmSegment{Base: 0, Limit: 0xFFFFF, Selector: dataSelector, Present: 1, S: 1, DB: 1, G: 1, Type: 0x03}
	tr := kvmSegment{Base: 0, Limit: 0xFFFF, Selector: tssSelector, Present: 1, Type: 0x0B}

	s.CS = code
	s.DS, s.ES, s.FS, s.GS, s.SS = data, data, data, data, data
	s.TR = tr

	s.GDT = kvmDTable{Base: 0x500, Limit: 39}
	s.IDT = kvmDTable{Base: 0x520, Limit: 0}

	if err := setSregs(c.fd, &s); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	fpu := kvmFPU{FCW: 0x37F, MXCSR: 0x1F80}
	if err := setFPU(c.fd, &fpu); err != nil {
		return fmt.Errorf("set fpu: %w", err)
	}

	return nil
}

// Run drains KVM_RUN exits, dispatching port-I/O and MMIO to the device
// bus, until the guest halts/shuts down or an unhandled exit occurs.
// Grounded on internal/hv/kvm/kvm_amd64.go's Run, trimmed to this module's
// terminal-exit set (spec §4.11).
func (c *virtualCPU) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	run := c.runData()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		run.immediateExit = 0
		_, err := ioctlWithRetry(uintptr(c.fd), kvmRun, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("kvm: run: %w", err)
		}

		switch kvmExitReason(run.exitReason) {
		case kvmExitHlt:
			return hv.ErrVMHalted

		case kvmExitShutdown:
			return hv.ErrVMHalted

		case kvmExitIO:
			if err := c.handleIO(run); err != nil {
				return fmt.Errorf("kvm: handle io exit: %w", err)
			}

		case kvmExitMMIO:
			if err := c.handleMMIO(run); err != nil {
				return fmt.Errorf("kvm: handle mmio exit: %w", err)
			}

		case kvmExitInternalError:
			ie := (*kvmInternalErrorData)(unsafe.Pointer(&run.data[0]))
			return fmt.Errorf("kvm: internal error, suberror=%d", ie.Suberror)

		case kvmExitFailEntry:
			return fmt.Errorf("kvm: fail entry")

		case kvmExitSystemEvent:
			ev := (*kvmSystemEventData)(unsafe.Pointer(&run.data[0]))
			switch ev.Type {
			case kvmSystemEventShutdown, kvmSystemEventReset:
				return hv.ErrVMHalted
			default:
				return fmt.Errorf("kvm: system event type=%d", ev.Type)
			}

		default:
			return fmt.Errorf("kvm: unhandled exit reason %s", kvmExitReason(run.exitReason))
		}
	}
}

func (c *virtualCPU) handleIO(run *kvmRunData) error {
	io := (*kvmExitIOData)(unsafe.Pointer(&run.data[0]))
	data := run.data[io.DataOffset : io.DataOffset+uint64(io.Size)*uint64(io.Count)]

	isWrite := io.Direction == kvmExitIODirectionOut
	bus := c.vm.Bus()
	if bus == nil {
		return fmt.Errorf("no io bus attached")
	}

	for i := uint32(0); i < io.Count; i++ {
		chunk := data[uint32(io.Size)*i : uint32(io.Size)*(i+1)]
		if err := bus.HandlePortIO(nil, io.Port, chunk, isWrite); err != nil {
			slog.Warn("kvm: unhandled port io", "port", io.Port, "write", isWrite, "error", err)
		}
	}
	return nil
}

func (c *virtualCPU) handleMMIO(run *kvmRunData) error {
	m := (*kvmExitMMIOData)(unsafe.Pointer(&run.data[0]))
	bus := c.vm.Bus()
	if bus == nil {
		return fmt.Errorf("no io bus attached")
	}

	data := m.Data[:m.Len]
	isWrite := m.IsWrite != 0
	if err := bus.HandleMMIO(nil, m.PhysAddr, data, isWrite); err != nil {
		slog.Warn("kvm: unhandled mmio", "addr", m.PhysAddr, "write", isWrite, "error", err)
	}

	if !isWrite {
		copy(m.Data[:m.Len], data)
	}
	return nil
}

var _ hv.VirtualCPU = &virtualCPU{}

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	return unix.Close(h.fd)
}

// NewVirtualMachine creates a KVM VM, registers guest memory, enables
// in-kernel interrupt-controller and PIT emulation, and sets the TSS
// address per spec §6. It does not create a vCPU; call CreateVCPU after
// loading memory contents.
func (h *hypervisor) NewVirtualMachine(cfg hv.VMConfig) (hv.VirtualMachine, error) {
	if cfg.MemorySize == 0 {
		return nil, fmt.Errorf("kvm: memory size must be > 0")
	}
	if uint64(len(cfg.HostMemory)) != cfg.MemorySize {
		return nil, fmt.Errorf("kvm: host memory length 0x%x does not match memory size 0x%x", len(cfg.HostMemory), cfg.MemorySize)
	}

	vmFd, err := createVM(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vm: %w", err)
	}

	if err := setTSSAddr(vmFd, 0xFFFBD000); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set tss addr: %w", err)
	}
	if err := createIRQChip(vmFd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: create irqchip: %w", err)
	}
	if err := createPIT2(vmFd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: create pit2: %w", err)
	}

	if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: cfg.MemoryBase,
		MemorySize:    cfg.MemorySize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&cfg.HostMemory[0]))),
	}); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set user memory region: %w", err)
	}

	vm := &virtualMachine{hv: h, vmFd: vmFd, memory: cfg.HostMemory, base: cfg.MemoryBase}

	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: vm garbage collected without Close")
			v.Close()
		}
	})

	return vm, nil
}

var _ hv.Hypervisor = &hypervisor{}

// Open opens /dev/kvm and validates the API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}

	version, err := getAPIVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get api version: %w", err)
	}
	if version != kvmAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported api version %d, want %d", version, kvmAPIVersion)
	}

	return &hypervisor{fd: fd}, nil
}
