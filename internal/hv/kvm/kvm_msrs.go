//go:build linux

package kvm

// Boot-time MSRs. Values per spec: every SYSENTER/SYSCALL-family MSR is
// zeroed; MISC_ENABLE gets the fast-strings bit; MTRR_DEF_TYPE enables
// write-back as the default memory type. The SYSENTER/SYSCALL/FS/GS-base
// constants below are carried over from the teacher's MSR list
// (internal/hv/kvm/kvm_msrs_amd64.go); MISC_ENABLE and MTRR_DEF_TYPE have
// no teacher precedent and are added here in the same naming style.
const (
	msrIA32TSC         = 0x00000010
	msrIA32SysenterCS  = 0x00000174
	msrIA32SysenterESP = 0x00000175
	msrIA32SysenterEIP = 0x00000176
	msrIA32PAT         = 0x00000277
	msrIA32MiscEnable  = 0x000001A0
	msrMTRRDefType     = 0x000002FF
	msrStar            = 0xC0000081
	msrLStar           = 0xC0000082
	msrCStar           = 0xC0000083
	msrSyscallMask     = 0xC0000084
	msrFsBase          = 0xC0000100
	msrGsBase          = 0xC0000101
	msrKernelGsBase    = 0xC0000102
)

const (
	miscEnableFastStrings uint64 = 1 << 0
	mtrrDefTypeEnable     uint64 = 1 << 11
	mtrrDefTypeWriteBack  uint64 = 6
)

// bootMSRs returns the fixed MSR set spec §4.3 requires be programmed
// before the first VM entry.
func bootMSRs() map[uint32]uint64 {
	return map[uint32]uint64{
		msrIA32SysenterCS:  0,
		msrIA32SysenterESP: 0,
		msrIA32SysenterEIP: 0,
		msrStar:            0,
		msrLStar:           0,
		msrCStar:           0,
		msrSyscallMask:     0,
		msrFsBase:          0,
		msrGsBase:          0,
		msrKernelGsBase:    0,
		msrIA32MiscEnable:  miscEnableFastStrings,
		msrMTRRDefType:     mtrrDefTypeEnable | mtrrDefTypeWriteBack,
	}
}

// Paravirt CPUID leaves. 0x40000000/0x40000001 are the teacher's existing
// KVM signature/feature leaves (kvm_amd64.go); 0x40000010 (TSC kHz) has no
// teacher precedent and is added per spec §6.
const (
	cpuidLeafSignature = 0x40000000
	cpuidLeafFeatures  = 0x40000001
	cpuidLeafTSCKHz    = 0x40000010

	kvmSigEbx = 0x4b4d564b // "KVMK"
	kvmSigEcx = 0x564b4d56 // "VMKV"
	kvmSigEdx = 0x0000004d // "M\0\0\0"

	kvmFeatureClockSource       = 1 << 0
	kvmFeatureClockSourceStable = 1 << 24

	defaultTSCKHz = 1000000 // 1 GHz, matches the fixed TSC ratio this core assumes
)
