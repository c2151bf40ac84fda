//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func getAPIVersion(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmGetAPIVersion, 0)
	return int(v), err
}

func createVM(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCreateVM, 0)
	return int(v), err
}

func getVCPUMmapSize(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmGetVCPUMmapSize, 0)
	return int(v), err
}

func createVCPU(vmFd int, id int) (int, error) {
	v, err := ioctlWithRetry(uintptr(vmFd), kvmCreateVCPU, uintptr(id))
	return int(v), err
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetTSSAddr, uintptr(addr))
	return err
}

func createIRQChip(vmFd int) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmCreateIRQChip, 0)
	return err
}

func createPIT2(vmFd int) error {
	cfg := kvmPitConfig{Flags: 1} // KVM_PIT_SPEAKER_DUMMY: disable speaker per §6
	_, err := ioctlWithRetry(uintptr(vmFd), kvmCreatePIT2, uintptr(unsafe.Pointer(&cfg)))
	return err
}

func irqLine(vmFd int, gsi uint32, level bool) error {
	l := uint32(0)
	if level {
		l = 1
	}
	lvl := kvmIRQLevel{IRQ: gsi, Level: l}
	_, err := ioctlWithRetry(uintptr(vmFd), kvmIRQLine, uintptr(unsafe.Pointer(&lvl)))
	return err
}

func getRegs(vcpuFd int) (kvmRegs, error) {
	var r kvmRegs
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(&r)))
	return r, err
}

func setRegs(vcpuFd int, r *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(r)))
	return err
}

func getSregs(vcpuFd int) (kvmSRegs, error) {
	var s kvmSRegs
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetSregs, uintptr(unsafe.Pointer(&s)))
	return s, err
}

func setSregs(vcpuFd int, s *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetSregs, uintptr(unsafe.Pointer(s)))
	return err
}

func getFPU(vcpuFd int) (kvmFPU, error) {
	var f kvmFPU
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetFPU, uintptr(unsafe.Pointer(&f)))
	return f, err
}

func setFPU(vcpuFd int, f *kvmFPU) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetFPU, uintptr(unsafe.Pointer(f)))
	return err
}

// makeMsrsBuffer builds a kvm_msrs followed by its trailing kvm_msr_entry
// array in a single contiguous allocation, the same unsafe-pointer-
// arithmetic technique the teacher uses for every variable-length KVM
// ioctl struct (kvm_bindings_amd64.go's makeMsrsBuffer).
func makeMsrsBuffer(entries []kvmMsrEntry) []byte {
	headerSize := int(unsafe.Sizeof(kvmMsrsHeader{}))
	entrySize := int(unsafe.Sizeof(kvmMsrEntry{}))
	buf := make([]byte, headerSize+entrySize*len(entries))

	hdr := (*kvmMsrsHeader)(unsafe.Pointer(&buf[0]))
	hdr.Nmsrs = uint32(len(entries))

	for i, e := range entries {
		off := headerSize + i*entrySize
		*(*kvmMsrEntry)(unsafe.Pointer(&buf[off])) = e
	}

	return buf
}

func setMSRs(vcpuFd int, msrs map[uint32]uint64) error {
	entries := make([]kvmMsrEntry, 0, len(msrs))
	for idx, val := range msrs {
		entries = append(entries, kvmMsrEntry{Index: idx, Data: val})
	}

	buf := makeMsrsBuffer(entries)
	n, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetMSRs, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}
	if int(n) != len(entries) {
		return fmt.Errorf("kvm: set msrs: kernel applied %d of %d entries", n, len(entries))
	}
	return nil
}

// getMsrIndexList probes the kernel's supported-MSR list, retrying with a
// larger buffer on E2BIG — the two-pass pattern the teacher's
// getMsrIndexList (kvm_bindings_amd64.go) uses.
func getMsrIndexList(kvmFd int) ([]uint32, error) {
	n := uint32(32)
	for {
		headerSize := int(unsafe.Sizeof(kvmMsrListHeader{}))
		buf := make([]byte, headerSize+int(n)*4)
		hdr := (*kvmMsrListHeader)(unsafe.Pointer(&buf[0]))
		hdr.Nmsrs = n

		_, err := ioctlWithRetry(uintptr(kvmFd), kvmGetMsrIndexList, uintptr(unsafe.Pointer(&buf[0])))
		if err != nil {
			if err == unix.E2BIG {
				n = hdr.Nmsrs
				continue
			}
			return nil, err
		}

		out := make([]uint32, hdr.Nmsrs)
		for i := range out {
			off := headerSize + i*4
			out[i] = *(*uint32)(unsafe.Pointer(&buf[off]))
		}
		return out, nil
	}
}

// makeCPUID2Buffer mirrors makeMsrsBuffer for the kvm_cpuid2 variable-
// length ioctl struct.
func makeCPUID2Buffer(entries []kvmCPUIDEntry2) []byte {
	headerSize := int(unsafe.Sizeof(kvmCPUID2Header{}))
	entrySize := int(unsafe.Sizeof(kvmCPUIDEntry2{}))
	buf := make([]byte, headerSize+entrySize*len(entries))

	hdr := (*kvmCPUID2Header)(unsafe.Pointer(&buf[0]))
	hdr.Nr = uint32(len(entries))

	for i, e := range entries {
		off := headerSize + i*entrySize
		*(*kvmCPUIDEntry2)(unsafe.Pointer(&buf[off])) = e
	}

	return buf
}

func getSupportedCPUID(kvmFd int) ([]kvmCPUIDEntry2, error) {
	const maxEntries = 255
	buf := makeCPUID2Buffer(make([]kvmCPUIDEntry2, maxEntries))
	hdr := (*kvmCPUID2Header)(unsafe.Pointer(&buf[0]))
	hdr.Nr = maxEntries

	_, err := ioctlWithRetry(uintptr(kvmFd), kvmGetSupportedCPUID, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return nil, err
	}

	headerSize := int(unsafe.Sizeof(kvmCPUID2Header{}))
	entrySize := int(unsafe.Sizeof(kvmCPUIDEntry2{}))
	out := make([]kvmCPUIDEntry2, hdr.Nr)
	for i := range out {
		off := headerSize + i*entrySize
		out[i] = *(*kvmCPUIDEntry2)(unsafe.Pointer(&buf[off]))
	}
	return out, nil
}

func setCPUID2(vcpuFd int, entries []kvmCPUIDEntry2) error {
	buf := makeCPUID2Buffer(entries)
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetCPUID2, uintptr(unsafe.Pointer(&buf[0])))
	return err
}
