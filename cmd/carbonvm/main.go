// Command carbonvm boots a single Linux bzImage kernel under KVM with an
// optional virtio-blk root disk (spec §2). Grounded on
// tinyrange-cc/internal/cmd/multivcputest/main.go's flag-driven harness
// shape, narrowed from its test-matrix/OCI-pull scaffolding to the single
// boot-and-run path this module implements.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/loks0n/carbon/internal/acpi"
	"github.com/loks0n/carbon/internal/boot"
	"github.com/loks0n/carbon/internal/devices"
	"github.com/loks0n/carbon/internal/hv"
	"github.com/loks0n/carbon/internal/hv/kvm"
	"github.com/loks0n/carbon/internal/iobus"
	"github.com/loks0n/carbon/internal/memory"
	"github.com/loks0n/carbon/internal/virtio"
)

const (
	defaultCmdline = "console=ttyS0 reboot=k panic=1 pci=off"
	defaultMemSize = 256 << 20

	virtioMMIOBase uint64 = 0xD0000000
	virtioMMIOSize uint64 = 0x1000
	virtioBlkID           = 0
	virtioBlkGSI   uint32 = 5

	cpuCount = 1 // SMP is a non-goal (spec §5)
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var (
		kernelPath = flag.String("kernel", "", "path to a Linux bzImage")
		diskPath   = flag.String("disk", "", "path to a virtio-blk backing file (optional)")
		cmdline    = flag.String("cmdline", defaultCmdline, "kernel command line")
		memSize    = flag.Uint64("mem", defaultMemSize, "guest memory size in bytes")
		mptable    = flag.Bool("mptable", false,"emit legacy MP tables (spec §9 open question c)")
	)
	flag.Parse()

	if err := run(*kernelPath, *diskPath, *cmdline, *memSize, *mptable); err != nil {
		slog.Error("carbonvm: fatal", "error", err)
		os.Exit(1)
	}
}

func run(kernelPath, diskPath, cmdline string, memSize uint64, mptable bool) error {
	if kernelPath == "" {
		return fmt.Errorf("carbonvm: -kernel is required")
	}

	mem, err := memory.New(memSize)
	if err != nil {
		return err
	}
	defer mem.Close()

	kernelFile, err := os.Open(kernelPath)
	if err != nil {
		return fmt.Errorf("carbonvm: open kernel: %w", err)
	}
	defer kernelFile.Close()

	kernel, err := boot.LoadBzImage(kernelFile, mem)
	if err != nil {
		return err
	}
	if err := boot.BuildPageTables(mem); err != nil {
		return err
	}
	if err := boot.BuildGDT(mem); err != nil {
		return err
	}
	if err := boot.BuildZeroPage(mem, kernel.HeaderBytes, cmdline, memSize); err != nil {
		return err
	}
	if mptable {
		if err := boot.BuildMPTables(mem, cpuCount); err != nil {
			return err
		}
	}

	hypervisor, err := kvm.Open()
	if err != nil {
		return err
	}
	defer hypervisor.Close()

	vm, err := hypervisor.NewVirtualMachine(hv.VMConfig{
		MemoryBase: 0,
		MemorySize: memSize,
		HostMemory: mem.HostAddr(),
	})
	if err != nil {
		return err
	}
	defer vm.Close()

	var virtioDescs []acpi.VirtioDescriptor
	bus := iobus.New()

	serial := devices.NewSerial(os.Stdout)
	if err := vm.AddDevice(serial); err != nil {
		return err
	}
	if err := bus.RegisterPortIO(serial); err != nil {
		return err
	}

	cmos := devices.NewCMOS()
	if err := vm.AddDevice(cmos); err != nil {
		return err
	}
	if err := bus.RegisterPortIO(cmos); err != nil {
		return err
	}

	if diskPath != "" {
		blk, err := virtio.OpenBlk(diskPath)
		if err != nil {
			return err
		}
		defer blk.Close()

		queue := virtio.NewQueue(mem)
		transport := virtio.NewMMIO(blk, queue, virtioMMIOBase, virtioBlkGSI)
		if err := vm.AddDevice(transport); err != nil {
			return err
		}
		if err := bus.RegisterMMIO(transport); err != nil {
			return err
		}
		virtioDescs = append(virtioDescs, acpi.VirtioDescriptor{
			ID:       virtioBlkID,
			MMIOBase: virtioMMIOBase,
			MMIOSize: virtioMMIOSize,
			GSI:      virtioBlkGSI,
		})
	}

	vm.AttachBus(bus)

	if err := acpi.Install(vm, cpuCount, virtioDescs); err != nil {
		return err
	}

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		return err
	}

	if err := vcpu.SetLongMode(boot.PML4Addr, boot.CodeSelector, boot.DataSelector, boot.TSSSelector); err != nil {
		return err
	}
	if err := vcpu.SetRegisters(map[hv.Register]uint64{
		hv.RegisterRflags: boot.InitialRFlags,
		hv.RegisterRip:    kernel.EntryPoint,
		hv.RegisterRsp:    boot.InitialRSP,
		hv.RegisterRbp:    boot.InitialRSP,
		hv.RegisterRsi:    boot.InitialRSI,
	}); err != nil {
		return err
	}

	slog.Info("carbonvm: booting", "kernel", kernelPath, "disk", diskPath, "mem", memSize)

	err = vcpu.Run(context.Background())
	if errors.Is(err, hv.ErrVMHalted) {
		slog.Info("carbonvm: guest halted")
		return nil
	}
	return err
}
