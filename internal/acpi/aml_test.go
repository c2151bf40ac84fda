package acpi

import (
	"bytes"
	"testing"
)

func TestPkgLengthRoundTripSingleByte(t *testing.T) {
	for contentLen := 0; contentLen <= 0x3E; contentLen++ {
		enc := encodePkgLength(contentLen)
		if len(enc) != 1 {
			t.Fatalf("contentLen %d: expected 1-byte encoding, got %d bytes", contentLen, len(enc))
		}
		total, k, err := decodePkgLength(enc)
		if err != nil {
			t.Fatalf("decodePkgLength: %v", err)
		}
		if k != 1 {
			t.Fatalf("contentLen %d: k=%d want 1", contentLen, k)
		}
		if total-k != contentLen {
			t.Fatalf("contentLen %d: decoded content length %d", contentLen, total-k)
		}
	}
}

func TestPkgLengthRoundTripMultiByte(t *testing.T) {
	for _, contentLen := range []int{0x3F, 0x40, 0x100, 0x0FFD, 0x1000, 0x2000} {
		enc := encodePkgLength(contentLen)
		total, k, err := decodePkgLength(enc)
		if err != nil {
			t.Fatalf("contentLen %#x: decodePkgLength: %v", contentLen, err)
		}
		if k != len(enc) {
			t.Fatalf("contentLen %#x: k=%d want %d", contentLen, k, len(enc))
		}
		if total != contentLen+len(enc) {
			t.Fatalf("contentLen %#x: total=%d want %d", contentLen, total, contentLen+len(enc))
		}
	}
}

func TestDecodePkgLengthRejectsTruncatedInput(t *testing.T) {
	// Lead byte announcing a 3-byte encoding but only 1 byte supplied.
	if _, _, err := decodePkgLength([]byte{0x80}); err == nil {
		t.Fatal("expected truncated pkglength to fail")
	}
	if _, _, err := decodePkgLength(nil); err == nil {
		t.Fatal("expected empty pkglength to fail")
	}
}

func TestAmlByteConstUsesShortestEncoding(t *testing.T) {
	if got := amlByteConst(0); !bytes.Equal(got, []byte{amlZeroOp}) {
		t.Fatalf("0: got % x", got)
	}
	if got := amlByteConst(1); !bytes.Equal(got, []byte{amlOneOp}) {
		t.Fatalf("1: got % x", got)
	}
	if got := amlByteConst(2); !bytes.Equal(got, []byte{amlBytePrefix, 2}) {
		t.Fatalf("2: got % x", got)
	}
	if got := amlByteConst(0x0F); !bytes.Equal(got, []byte{amlBytePrefix, 0x0F}) {
		t.Fatalf("0x0F: got % x", got)
	}
}

func TestDeviceNameEncodesHexDigit(t *testing.T) {
	if got := deviceName(0); got != "VRT0" {
		t.Fatalf("id 0: got %q", got)
	}
	if got := deviceName(10); got != "VRTA" {
		t.Fatalf("id 10: got %q", got)
	}
}

func TestBuildCRSEmbedsResourceDescriptors(t *testing.T) {
	crs := buildCRS(0xD0000000, 0x1000, 5)
	if crs[0] != amlBufferOp {
		t.Fatalf("expected BufferOp first, got %#x", crs[0])
	}
	if !bytes.Contains(crs, []byte{resourceMemory32Fixed}) {
		t.Fatal("expected a Memory32Fixed descriptor in _CRS")
	}
	if !bytes.Contains(crs, []byte{resourceExtendedIRQ}) {
		t.Fatal("expected an ExtendedIRQ descriptor in _CRS")
	}
	if !bytes.HasSuffix(crs, []byte{resourceEndTag, 0}) {
		t.Fatal("expected _CRS buffer to end with the End Tag")
	}
}

func TestEmitDSDTBodyOneDevicePerDescriptor(t *testing.T) {
	devs := []VirtioDescriptor{
		{ID: 0, MMIOBase: 0xD0000000, MMIOSize: 0x1000, GSI: 5},
		{ID: 3, MMIOBase: 0xD0003000, MMIOSize: 0x1000, GSI: 8},
	}
	body := emitDSDTBody(devs)
	if !bytes.Contains(body, nameSeg("VRT0")) {
		t.Fatal("expected device VRT0 in DSDT body")
	}
	if !bytes.Contains(body, nameSeg("VRT3")) {
		t.Fatal("expected device VRT3 in DSDT body")
	}
	if !bytes.Contains(body, nameSeg("_SB_")) {
		t.Fatal("expected root scope \\_SB_")
	}
}
