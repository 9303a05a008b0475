package nlm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic is the literal 24-byte NLM signature that must open every header.
var Magic = [24]byte{
	'N', 'e', 't', 'W', 'a', 'r', 'e', ' ',
	'L', 'o', 'a', 'd', 'a', 'b', 'l', 'e', ' ',
	'M', 'o', 'd', 'u', 'l', 'e', 0x1a,
}

// PackedOffset is the fixed file offset at which a compressed NLM's packed
// payload begins, regardless of module name or segment table contents.
const PackedOffset = 400

// LoadVersionPacked is the load_version value that marks a compressed image.
const LoadVersionPacked = 0x84

// LoadVersionUnpacked is written back into byte 0x18 of the header once a
// compressed image has been unpacked, recording "uncompressed" in place.
const LoadVersionUnpacked = 0x04

// Header is the fixed-layout descriptor at offset 0 of every NLM image.
// Field order and sizes match the on-disk layout exactly; all multi-byte
// integers are little-endian.
type Header struct {
	Magic          [24]byte
	LoadVersion    uint32
	Name           [14]byte
	CodeOffs       uint32
	CodeLen        uint32
	DataOffs       uint32
	DataLen        uint32
	UninitLen      uint32
	CustomDataOffs uint32
	CustomDataLen  uint32
	AutoloadOffs   uint32
	AutoloadLen    uint32
	FixupOffs      uint32
	FixupLen       uint32
	ExternalsOffs  uint32
	ExternalsLen   uint32
	ExportedOffs   uint32
	ExportedLen    uint32
	DebugOffs      uint32
	DebugLen       uint32
	StartOffs      uint32
	TermOffs       uint32
	CheckOffs      uint32
	NLMType        uint8
}

// ParseHeader decodes a Header from the start of data.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("nlm: parse header: %w", err)
	}
	if !h.MagicValid() {
		return h, ErrBadMagic
	}
	return h, nil
}

// MagicValid reports whether the header's magic field matches the NLM
// signature exactly.
func (h Header) MagicValid() bool {
	return h.Magic == Magic
}

// Packed reports whether the header declares a Huffman/LZ-packed payload.
func (h Header) Packed() bool {
	return h.LoadVersion == LoadVersionPacked
}

// ModuleName trims the NUL padding from the 14-byte name field.
func (h Header) ModuleName() string {
	n := bytes.IndexByte(h.Name[:], 0)
	if n < 0 {
		n = len(h.Name)
	}
	return string(h.Name[:n])
}
