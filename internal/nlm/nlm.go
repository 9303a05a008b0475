package nlm

import (
	"fmt"
	"log/slog"
)

// NLM is a parsed NetWare Loadable Module: its header plus the fully
// reconstituted (i.e. never still Huffman/LZ-packed) image bytes. Every
// query method (Externals, Exports, Fixups, Autoload) reads from this
// reconstituted image using the offsets in Header.
type NLM struct {
	Header Header
	data   []byte
}

// New parses raw NLM file bytes, transparently unpacking the payload if the
// header declares it compressed.
func New(raw []byte) (*NLM, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	if !h.Packed() {
		data := make([]byte, len(raw))
		copy(data, raw)
		return &NLM{Header: h, data: data}, nil
	}

	slog.Debug("nlm: unpacking compressed payload", "module", h.ModuleName())

	unpacked, totalLen, err := unpackPayload(raw[PackedOffset:])
	if err != nil {
		return nil, fmt.Errorf("nlm: unpack %q: %w", h.ModuleName(), err)
	}

	data := make([]byte, totalLen)
	copy(data[:PackedOffset], raw[:PackedOffset])
	copy(data[PackedOffset:], unpacked)
	data[0x18] = LoadVersionUnpacked

	h2, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("nlm: reparse header after unpack: %w", err)
	}

	return &NLM{Header: h2, data: data}, nil
}

// Bytes returns the fully reconstituted (never-packed) image bytes, suitable
// for writing back out as a plain .nlm file.
func (n *NLM) Bytes() []byte {
	return n.data
}
