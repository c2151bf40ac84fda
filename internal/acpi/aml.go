package acpi

import (
	"encoding/binary"
	"fmt"
)

// AML opcodes this emitter needs (ACPI 6.5 §20). There is no AML emitter
// anywhere in the reference corpus — tinyrange-cc's buildMinimalDSDT
// returns nil — so this file is authored from the ACPI specification
// directly, following the byte-buffer-and-explicit-offset style the rest
// of this package uses for binary tables.
const (
	amlZeroOp         = 0x00
	amlOneOp          = 0x01
	amlNameOp         = 0x08
	amlBytePrefix     = 0x0A
	amlWordPrefix     = 0x0B
	amlStringPrefix   = 0x0D
	amlScopeOp        = 0x10
	amlBufferOp       = 0x11
	amlExtOpPrefix    = 0x5B
	amlDeviceOp       = 0x82
)

// Small/large ACPI resource descriptor tags used inside a _CRS buffer.
const (
	resourceMemory32Fixed    = 0x86 // large item, type 6
	resourceExtendedIRQ      = 0x89 // large item, type 9
	resourceEndTag           = 0x79 // small item, type 0xF, length 1

	extendedIRQFlagsConsumerLevelHighExclusive = 0x0B
)

// encodePkgLength returns the AML PkgLength bytes announcing that
// contentLen bytes of payload follow (spec §4.6's PkgLength encoding).
func encodePkgLength(contentLen int) []byte {
	for k := 1; k <= 4; k++ {
		t := contentLen + k
		switch k {
		case 1:
			if t <= 0x3F {
				return []byte{byte(t)}
			}
		case 2:
			if t <= 0x0FFF {
				return []byte{0x40 | byte(t&0x0F), byte(t >> 4)}
			}
		case 3:
			if t <= 0x0FFFFF {
				return []byte{0x80 | byte(t&0x0F), byte(t >> 4), byte(t >> 12)}
			}
		case 4:
			return []byte{0xC0 | byte(t&0x0F), byte(t >> 4), byte(t >> 12), byte(t >> 20)}
		}
	}
	panic("unreachable")
}

// decodePkgLength reads a PkgLength from the front of buf, returning the
// total length T it announces (content length plus the encoding itself)
// and the number of bytes k it occupied.
func decodePkgLength(buf []byte) (t int, k int, err error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("acpi: empty pkglength")
	}
	lead := buf[0]
	k = int(lead>>6) + 1
	if k == 1 {
		return int(lead & 0x3F), 1, nil
	}
	if len(buf) < k {
		return 0, 0, fmt.Errorf("acpi: truncated pkglength")
	}
	t = int(lead & 0x0F)
	for i := 1; i < k; i++ {
		t |= int(buf[i]) << uint(4+8*(i-1))
	}
	return t, k, nil
}

// nameSeg pads/validates a 4-character AML NameSeg.
func nameSeg(name string) []byte {
	if len(name) != 4 {
		panic(fmt.Sprintf("acpi: nameseg %q is not 4 characters", name))
	}
	return []byte(name)
}

func amlString(s string) []byte {
	out := make([]byte, 0, len(s)+2)
	out = append(out, amlStringPrefix)
	out = append(out, []byte(s)...)
	out = append(out, 0)
	return out
}

// amlByteConst encodes a small integer using the shortest of
// Zero/One/BytePrefix, matching spec §4.6's "Name(_UID, id)" and
// "Name(_STA, 0x0F)" phrasing.
func amlByteConst(v byte) []byte {
	switch v {
	case 0:
		return []byte{amlZeroOp}
	case 1:
		return []byte{amlOneOp}
	default:
		return []byte{amlBytePrefix, v}
	}
}

func amlName(seg string, value []byte) []byte {
	out := []byte{amlNameOp}
	out = append(out, nameSeg(seg)...)
	out = append(out, value...)
	return out
}

// memory32FixedResource emits the large-resource Memory32Fixed descriptor
// (tag 0x86, 9-byte body: RW flag, base, length).
func memory32FixedResource(base, size uint64) []byte {
	body := make([]byte, 9)
	body[0] = 1 // read-write
	binary.LittleEndian.PutUint32(body[1:5], uint32(base))
	binary.LittleEndian.PutUint32(body[5:9], uint32(size))

	out := []byte{resourceMemory32Fixed}
	out = append(out, byte(len(body)), 0) // 2-byte LE length
	out = append(out, body...)
	return out
}

// extendedInterruptResource emits the large-resource Extended Interrupt
// descriptor (tag 0x89, 6-byte body: flags, count=1, one GSI).
func extendedInterruptResource(gsi uint32) []byte {
	body := make([]byte, 6)
	body[0] = extendedIRQFlagsConsumerLevelHighExclusive
	body[1] = 1 // interrupt table length
	binary.LittleEndian.PutUint32(body[2:6], gsi)

	out := []byte{resourceExtendedIRQ}
	out = append(out, byte(len(body)), 0)
	out = append(out, body...)
	return out
}

func endTagResource() []byte {
	return []byte{resourceEndTag, 0}
}

// buildCRS assembles the _CRS buffer body (the three resource descriptors)
// and wraps it in a BufferOp/PkgLength/buffer-size-integer envelope per
// spec §4.6.
func buildCRS(base, size uint64, gsi uint32) []byte {
	raw := append(memory32FixedResource(base, size), extendedInterruptResource(gsi)...)
	raw = append(raw, endTagResource()...)

	sizeEnc := amlByteConst(byte(len(raw)))
	content := append(append([]byte{}, sizeEnc...), raw...)

	out := []byte{amlBufferOp}
	out = append(out, encodePkgLength(len(content))...)
	out = append(out, content...)
	return out
}

// deviceName derives the 4-character AML NameSeg "VRTn" for a virtio
// descriptor id, n being a single hex digit (spec §4.6).
func deviceName(id int) string {
	const hex = "0123456789ABCDEF"
	return "VRT" + string(hex[id&0xF])
}

// virtioDeviceBody emits the four Name() statements a virtio-mmio ACPI
// device node carries, in the order spec §4.6 lists them.
func virtioDeviceBody(d VirtioDescriptor) []byte {
	var body []byte
	body = append(body, amlName("_HID", amlString("LNRO0005"))...)
	body = append(body, amlName("_UID", amlByteConst(byte(d.ID)))...)
	body = append(body, amlName("_STA", amlByteConst(0x0F))...)
	body = append(body, amlName("_CRS", buildCRS(d.MMIOBase, d.MMIOSize, d.GSI))...)
	return body
}

// amlDevice wraps a device body in the ExtOpPrefix DeviceOp / PkgLength /
// NameString envelope.
func amlDevice(name string, body []byte) []byte {
	content := append(nameSeg(name), body...)
	out := []byte{amlExtOpPrefix, amlDeviceOp}
	out = append(out, encodePkgLength(len(content))...)
	out = append(out, content...)
	return out
}

func amlScope(name string, body []byte) []byte {
	content := append(nameSeg(name), body...)
	out := []byte{amlScopeOp}
	out = append(out, encodePkgLength(len(content))...)
	out = append(out, content...)
	return out
}

// emitDSDTBody builds Scope(\_SB_) { Device(VRTn) {...}, ... } for every
// configured virtio-mmio slot (spec §4.6).
func emitDSDTBody(devices []VirtioDescriptor) []byte {
	var scopeBody []byte
	for _, d := range devices {
		scopeBody = append(scopeBody, amlDevice(deviceName(d.ID), virtioDeviceBody(d))...)
	}
	return amlScope("_SB_", scopeBody)
}
