// Package vmerr defines the error taxonomy sentinels (spec §7). Call sites
// in internal/memory, internal/boot and internal/virtio wrap one of them
// with fmt.Errorf("...: %w", ...) the same way internal/hv.ErrVMHalted is
// used as a sentinel elsewhere in the module. internal/hv/kvm,
// internal/acpi and cmd/carbonvm do not wrap these sentinels themselves,
// and no call site wraps ErrHypervisor.
package vmerr

import "errors"

var (
	// ErrMemoryAllocation covers host mapping failures and guest-memory
	// bounds violations.
	ErrMemoryAllocation = errors.New("memory allocation")

	// ErrHypervisor covers any failure from the virtualization interface
	// during setup or run.
	ErrHypervisor = errors.New("hypervisor")

	// ErrReadKernel covers I/O errors reading the bzImage file.
	ErrReadKernel = errors.New("read kernel")

	// ErrInvalidKernel covers header validation failures: too small, bad
	// magic, unsupported protocol version, setup size overflow.
	ErrInvalidKernel = errors.New("invalid kernel")

	// ErrCmdlineTooLong covers a command line at or beyond 2 KiB.
	ErrCmdlineTooLong = errors.New("cmdline too long")

	// ErrDisk covers backing-file open/stat/size-validation failures for a
	// virtio-blk device.
	ErrDisk = errors.New("disk image")
)
