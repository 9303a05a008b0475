package nlm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// ExternalRefKind classifies one reference to an external symbol.
type ExternalRefKind int

const (
	RelRefFromData ExternalRefKind = iota
	RelRefFromCode
	AbsRefFromData
	AbsRefFromCode
)

// ExternalRef is one reference to an external symbol at a given local
// offset within the code or data segment, per ExternalRefKind.
type ExternalRef struct {
	Kind   ExternalRefKind
	Offset uint32
}

// External is a named symbol defined elsewhere and referenced one or more
// times from this module.
type External struct {
	Name string
	Refs []ExternalRef
}

// ExportKind classifies an exported symbol as living in code or data.
type ExportKind int

const (
	ExportData ExportKind = iota
	ExportCode
)

// Export is a symbol this module defines and makes visible to others.
type Export struct {
	Name  string
	Kind  ExportKind
	Value uint32
}

// FixupKind classifies one internal relocation by its source and target
// segments.
type FixupKind int

const (
	AbsRefToDataFromData FixupKind = iota
	AbsRefToDataFromCode
	AbsRefToCodeFromData
	AbsRefToCodeFromCode
)

// Fixup is one internal relocation: a 32-bit word at Offset (local to its
// source segment) that must be rewritten against a chosen load address.
type Fixup struct {
	Kind   FixupKind
	Offset uint32
}

func decodeRefNibble(val uint32) (nibble uint32, payload uint32) {
	return val >> 28, val & 0x3ffffff
}

// Externals reads the externals table addressed by the header: a sequence
// of (length-prefixed name, reference count, ref-words).
//
// The type-0 nibble ("relative reference from data") is documented in the
// original implementation only as an inferred guess; its semantics are
// preserved conservatively here (treated as RelRefFromData) rather than
// reinterpreted, with a warning logged the first time it is seen per
// external.
func (n *NLM) Externals() ([]External, error) {
	h := n.Header
	r := bytes.NewReader(n.data[h.ExternalsOffs:])

	externals := make([]External, 0, h.ExternalsLen)
	for i := uint32(0); i < h.ExternalsLen; i++ {
		name, err := readPString(r)
		if err != nil {
			return nil, fmt.Errorf("nlm: externals[%d]: read name: %w", i, err)
		}
		var numRefs uint32
		if err := binary.Read(r, binary.LittleEndian, &numRefs); err != nil {
			return nil, fmt.Errorf("nlm: externals[%d]: read ref count: %w", i, err)
		}

		refs := make([]ExternalRef, 0, numRefs)
		warned := false
		for j := uint32(0); j < numRefs; j++ {
			var val uint32
			if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
				return nil, fmt.Errorf("nlm: externals[%d].refs[%d]: %w", i, j, err)
			}
			nibble, payload := decodeRefNibble(val)
			var kind ExternalRefKind
			switch nibble {
			case 0x0:
				kind = RelRefFromData
				if !warned {
					slog.Warn("nlm: external ref type 0x0 (relative from data) has inferred semantics",
						"external", name, "offset", payload)
					warned = true
				}
			case 0x4:
				kind = RelRefFromCode
			case 0x8:
				kind = AbsRefFromData
			case 0xc:
				kind = AbsRefFromCode
			default:
				return nil, fmt.Errorf("%w: externals[%d].refs[%d] = %#x", ErrBadNibble, i, j, nibble)
			}
			refs = append(refs, ExternalRef{Kind: kind, Offset: payload})
		}
		externals = append(externals, External{Name: name, Refs: refs})
	}
	return externals, nil
}

// Exports reads the exports table addressed by the header.
func (n *NLM) Exports() ([]Export, error) {
	h := n.Header
	r := bytes.NewReader(n.data[h.ExportedOffs:])

	exports := make([]Export, 0, h.ExportedLen)
	for i := uint32(0); i < h.ExportedLen; i++ {
		name, err := readPString(r)
		if err != nil {
			return nil, fmt.Errorf("nlm: exports[%d]: read name: %w", i, err)
		}
		var val uint32
		if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
			return nil, fmt.Errorf("nlm: exports[%d]: read value: %w", i, err)
		}
		nibble, payload := decodeRefNibble(val)
		var kind ExportKind
		switch nibble {
		case 0x0:
			kind = ExportData
		case 0x8:
			kind = ExportCode
		default:
			return nil, fmt.Errorf("%w: exports[%d] = %#x", ErrBadNibble, i, nibble)
		}
		exports = append(exports, Export{Name: name, Kind: kind, Value: payload})
	}
	return exports, nil
}

// Fixups reads the fixups table addressed by the header.
func (n *NLM) Fixups() ([]Fixup, error) {
	h := n.Header
	r := bytes.NewReader(n.data[h.FixupOffs:])

	fixups := make([]Fixup, 0, h.FixupLen)
	for i := uint32(0); i < h.FixupLen; i++ {
		var val uint32
		if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
			return nil, fmt.Errorf("nlm: fixups[%d]: %w", i, err)
		}
		nibble, payload := decodeRefNibble(val)
		var kind FixupKind
		switch nibble {
		case 0x0:
			kind = AbsRefToDataFromData
		case 0x4:
			kind = AbsRefToDataFromCode
		case 0x8:
			kind = AbsRefToCodeFromData
		case 0xc:
			kind = AbsRefToCodeFromCode
		default:
			return nil, fmt.Errorf("%w: fixups[%d] = %#x", ErrBadNibble, i, nibble)
		}
		fixups = append(fixups, Fixup{Kind: kind, Offset: payload})
	}
	return fixups, nil
}

// Autoload reads the autoload module-name list addressed by the header.
func (n *NLM) Autoload() ([]string, error) {
	h := n.Header
	r := bytes.NewReader(n.data[h.AutoloadOffs:])

	names := make([]string, 0, h.AutoloadLen)
	for i := uint32(0); i < h.AutoloadLen; i++ {
		name, err := readPString(r)
		if err != nil {
			return nil, fmt.Errorf("nlm: autoload[%d]: %w", i, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// readPString reads a single length-prefixed name. Names are assumed to be
// valid US-ASCII; an invalid byte is replaced with '?' rather than treated
// as a fatal error, matching the tolerant string handling elsewhere in this
// format's tables.
func readPString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	for i, c := range buf {
		if c < 0x20 || c > 0x7e {
			buf[i] = '?'
		}
	}
	return string(buf), nil
}
