package boot

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fakeBzImage builds a minimal valid bzImage byte stream: a 1-setup-sector
// header (1024 bytes) followed by payload bytes.
func fakeBzImage(payload []byte) []byte {
	data := make([]byte, 1024+len(payload))
	data[setupSectsOffset] = 1 // setupSize = (1+1)*512 = 1024
	binary.LittleEndian.PutUint32(data[magicOffset:], bootMagic)
	binary.LittleEndian.PutUint16(data[versionOffset:], minVersion)
	copy(data[1024:], payload)
	return data
}

func TestLoadBzImageCopiesPayloadAndReportsEntryPoint(t *testing.T) {
	mem := newTestMemory(t)
	payload := bytes.Repeat([]byte{0xAB}, 64)
	data := fakeBzImage(payload)

	k, err := LoadBzImage(bytes.NewReader(data), mem)
	if err != nil {
		t.Fatalf("LoadBzImage: %v", err)
	}
	if k.EntryPoint != HimemLoadAddr+0x200 {
		t.Fatalf("EntryPoint: got %#x want %#x", k.EntryPoint, HimemLoadAddr+0x200)
	}

	got := make([]byte, len(payload))
	if err := mem.Read(HimemLoadAddr, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got % x", got)
	}
}

func TestLoadBzImageRejectsTooSmall(t *testing.T) {
	mem := newTestMemory(t)
	if _, err := LoadBzImage(bytes.NewReader(make([]byte, 16)), mem); err == nil {
		t.Fatal("expected error for undersized image")
	}
}

func TestLoadBzImageRejectsBadMagic(t *testing.T) {
	mem := newTestMemory(t)
	data := fakeBzImage([]byte{0})
	binary.LittleEndian.PutUint32(data[magicOffset:], 0xDEADBEEF)
	if _, err := LoadBzImage(bytes.NewReader(data), mem); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestLoadBzImageRejectsOldVersion(t *testing.T) {
	mem := newTestMemory(t)
	data := fakeBzImage([]byte{0})
	binary.LittleEndian.PutUint16(data[versionOffset:], 0x0200)
	if _, err := LoadBzImage(bytes.NewReader(data), mem); err == nil {
		t.Fatal("expected error for unsupported boot protocol version")
	}
}

func TestLoadBzImageDefaultsZeroSetupSects(t *testing.T) {
	mem := newTestMemory(t)
	payload := bytes.Repeat([]byte{0xCD}, 32)
	// setupSects==0 defaults to 4, so setupSize = 5*512 = 2560.
	data := make([]byte, 2560+len(payload))
	binary.LittleEndian.PutUint32(data[magicOffset:], bootMagic)
	binary.LittleEndian.PutUint16(data[versionOffset:], minVersion)
	copy(data[2560:], payload)

	k, err := LoadBzImage(bytes.NewReader(data), mem)
	if err != nil {
		t.Fatalf("LoadBzImage: %v", err)
	}
	got := make([]byte, len(payload))
	if err := mem.Read(HimemLoadAddr, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got % x", got)
	}
	_ = k
}
