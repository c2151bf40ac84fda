package boot

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildZeroPageE820Map(t *testing.T) {
	mem := newTestMemory(t)
	memSize := uint64(256 << 20)

	if err := BuildZeroPage(mem, []byte{0x01, 0x02}, "console=ttyS0", memSize); err != nil {
		t.Fatalf("BuildZeroPage: %v", err)
	}

	var countBuf [1]byte
	if err := mem.Read(BootParamsAddr+e820EntriesOffset, countBuf[:]); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if countBuf[0] != 3 {
		t.Fatalf("e820 entry count: got %d want 3", countBuf[0])
	}

	type entry struct {
		base, size uint64
		typ        uint32
	}
	want := []entry{
		{0, ebdaBase, e820TypeRAM},
		{ebdaBase, ebdaSize, e820TypeReserved},
		{lowMemTop, memSize - lowMemTop, e820TypeRAM},
	}
	for i, w := range want {
		off := BootParamsAddr + e820TableOffset + uint64(i)*e820EntrySize
		var raw [20]byte
		if err := mem.Read(off, raw[:]); err != nil {
			t.Fatalf("Read entry %d: %v", i, err)
		}
		base := leUint64(raw[0:8])
		size := leUint64(raw[8:16])
		typ := leUint32(raw[16:20])
		if base != w.base || size != w.size || typ != w.typ {
			t.Fatalf("entry %d: got base=%#x size=%#x type=%d, want base=%#x size=%#x type=%d",
				i, base, size, typ, w.base, w.size, w.typ)
		}
	}
}

func TestBuildZeroPageCmdlineAndRSDP(t *testing.T) {
	mem := newTestMemory(t)
	cmdline := "console=ttyS0 reboot=k"
	if err := BuildZeroPage(mem, nil, cmdline, 256<<20); err != nil {
		t.Fatalf("BuildZeroPage: %v", err)
	}

	var ptrBuf [4]byte
	if err := mem.Read(BootParamsAddr+cmdLinePtrOffset, ptrBuf[:]); err != nil {
		t.Fatalf("Read cmdline ptr: %v", err)
	}
	if leUint32(ptrBuf[:]) != uint32(CmdLineAddr) {
		t.Fatalf("cmd_line_ptr: got %#x want %#x", leUint32(ptrBuf[:]), CmdLineAddr)
	}

	var rsdpBuf [8]byte
	if err := mem.Read(BootParamsAddr+acpiRSDPOffset, rsdpBuf[:]); err != nil {
		t.Fatalf("Read rsdp ptr: %v", err)
	}
	if leUint64(rsdpBuf[:]) != RSDPAddr {
		t.Fatalf("acpi_rsdp_addr: got %#x want %#x", leUint64(rsdpBuf[:]), RSDPAddr)
	}

	got := make([]byte, len(cmdline)+1)
	if err := mem.Read(CmdLineAddr, got); err != nil {
		t.Fatalf("Read cmdline: %v", err)
	}
	if string(got[:len(cmdline)]) != cmdline || got[len(cmdline)] != 0 {
		t.Fatalf("cmdline: got %q", got)
	}
}

func TestBuildZeroPageRejectsOverlongCmdline(t *testing.T) {
	mem := newTestMemory(t)
	cmdline := strings.Repeat("x", cmdLineMax)
	if err := BuildZeroPage(mem, nil, cmdline, 256<<20); err == nil {
		t.Fatal("expected error for a command line at/over the size limit")
	}
}

func TestBuildZeroPageHeaderBytesCopied(t *testing.T) {
	mem := newTestMemory(t)
	header := bytes.Repeat([]byte{0x5A}, 16)
	if err := BuildZeroPage(mem, header, "", 256<<20); err != nil {
		t.Fatalf("BuildZeroPage: %v", err)
	}
	got := make([]byte, len(header))
	if err := mem.Read(BootParamsAddr+setupHeaderOffset, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, header) {
		t.Fatalf("header bytes mismatch: got % x", got)
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}
