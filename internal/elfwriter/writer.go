package elfwriter

import (
	"fmt"

	"github.com/zhmu/nlm2elf/internal/nlm"
)

// Virtual addresses the two PT_LOAD segments are placed at: widely
// separated so they never collide with any NLM-internal offset value.
const (
	CodeVaddr uint32 = 0x10000000
	DataVaddr uint32 = 0x40000000

	segAlign uint32 = 16
)

// symEntry is one row destined for .symtab, in final emission order. The
// null symbol is represented as the zero value of this type, so it can sit
// at index 0 of the slice without special-casing its fields.
type symEntry struct {
	name    string
	section uint16 // 0 = undefined
	value   uint32
	info    uint8
}

// Write applies n's fixups against CodeVaddr/DataVaddr on a private copy of
// its image, then serializes a complete ELF-32 object reflecting its code,
// data, autoload, export, and external tables. It never mutates n.
func Write(n *nlm.NLM) ([]byte, error) {
	h := n.Header

	image := make([]byte, len(n.Bytes()))
	copy(image, n.Bytes())

	fixups, err := n.Fixups()
	if err != nil {
		return nil, fmt.Errorf("elfwriter: %w", err)
	}
	if err := applyFixups(image, h, fixups); err != nil {
		return nil, fmt.Errorf("elfwriter: %w", err)
	}

	externals, err := n.Externals()
	if err != nil {
		return nil, fmt.Errorf("elfwriter: %w", err)
	}
	exports, err := n.Exports()
	if err != nil {
		return nil, fmt.Errorf("elfwriter: %w", err)
	}
	autoload, err := n.Autoload()
	if err != nil {
		return nil, fmt.Errorf("elfwriter: %w", err)
	}

	codeBytes := image[h.CodeOffs : h.CodeOffs+h.CodeLen]
	dataBytes := image[h.DataOffs : h.DataOffs+h.DataLen]

	var autoloadContent []byte
	for _, a := range autoload {
		autoloadContent = append(autoloadContent, a...)
		autoloadContent = append(autoloadContent, 0)
	}

	numCodeReloc, numDataReloc := 0, 0
	for _, ext := range externals {
		for _, ref := range ext.Refs {
			switch ref.Kind {
			case nlm.RelRefFromCode, nlm.AbsRefFromCode:
				numCodeReloc++
			case nlm.RelRefFromData, nlm.AbsRefFromData:
				numDataReloc++
			}
		}
	}

	// --- symbol table, in emission order ---
	var syms []symEntry
	syms = append(syms, symEntry{}) // null symbol at index 0

	for _, exp := range exports {
		var sec uint16
		var val uint32
		switch exp.Kind {
		case nlm.ExportCode:
			sec, val = codeIdx, exp.Value+CodeVaddr
		case nlm.ExportData:
			sec, val = dataIdx, exp.Value+DataVaddr
		}
		syms = append(syms, symEntry{name: exp.Name, section: sec, value: val, info: stInfo(STB_LOCAL, STT_FUNC)})
	}
	syms = append(syms,
		symEntry{name: "nlm_start", section: codeIdx, value: h.StartOffs + CodeVaddr, info: stInfo(STB_LOCAL, STT_FUNC)},
		symEntry{name: "nlm_terminate", section: codeIdx, value: h.TermOffs + CodeVaddr, info: stInfo(STB_LOCAL, STT_FUNC)},
		symEntry{name: "nlm_check", section: codeIdx, value: h.CheckOffs + CodeVaddr, info: stInfo(STB_LOCAL, STT_FUNC)},
	)
	symtabNumLocal := uint32(len(syms)) // includes the null entry

	for _, ext := range externals {
		syms = append(syms, symEntry{name: ext.Name, section: 0, value: 0, info: stInfo(STB_GLOBAL, STT_NOTYPE)})
	}

	// --- strtab ---
	strtab := []byte{0}
	nameOff := make([]uint32, len(syms))
	for i, s := range syms {
		if i == 0 {
			continue // null symbol's name is the empty string at offset 0
		}
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}

	// --- shstrtab ---
	shNames := []string{"", ".text", ".rel.text", ".data", ".rel.data", ".nlm.autoload", ".symtab", ".strtab", ".shstrtab"}
	shstrtab := []byte{0}
	shNameOff := make([]uint32, len(shNames))
	for i, s := range shNames {
		if i == 0 {
			continue
		}
		shNameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s...)
		shstrtab = append(shstrtab, 0)
	}

	// --- reserve pass ---
	var l layout
	l.reserve(ehsize, 1)
	phoff := l.reserve(2*phentsize, 1)

	codeOffset := l.reserve(uint32(len(codeBytes)), segAlign)
	dataOffset := l.reserve(uint32(len(dataBytes)), segAlign)
	autoloadOffset := l.reserve(uint32(len(autoloadContent)), 1)

	symtabOffset := l.reserve(uint32(len(syms))*symsize, 4)
	strtabOffset := l.reserve(uint32(len(strtab)), 1)

	codeRelOffset := l.reserve(uint32(numCodeReloc)*relsize, 4)
	dataRelOffset := l.reserve(uint32(numDataReloc)*relsize, 4)

	shstrtabOffset := l.reserve(uint32(len(shstrtab)), 1)
	shoff := l.reserve((numSections+1)*shentsize, 4)

	reservedLen := l.offset

	// --- write pass ---
	var o outBuf

	entry := h.StartOffs + CodeVaddr
	writeFileHeader(&o, entry, phoff, shoff, numSections+1, shstrtabIdx)
	if o.len() != phoff {
		return nil, fmt.Errorf("elfwriter: internal error: phoff mismatch (%d != %d)", o.len(), phoff)
	}

	writeProgramHeader(&o, PF_R|PF_X, codeOffset, CodeVaddr, uint32(len(codeBytes)), segAlign)
	writeProgramHeader(&o, PF_R|PF_W, dataOffset, DataVaddr, uint32(len(dataBytes)), segAlign)

	o.alignTo(segAlign)
	if o.len() != codeOffset {
		return nil, fmt.Errorf("elfwriter: internal error: code offset mismatch (%d != %d)", o.len(), codeOffset)
	}
	o.write(codeBytes)

	o.alignTo(segAlign)
	if o.len() != dataOffset {
		return nil, fmt.Errorf("elfwriter: internal error: data offset mismatch (%d != %d)", o.len(), dataOffset)
	}
	o.write(dataBytes)

	if o.len() != autoloadOffset {
		return nil, fmt.Errorf("elfwriter: internal error: autoload offset mismatch (%d != %d)", o.len(), autoloadOffset)
	}
	o.write(autoloadContent)

	o.alignTo(4)
	if o.len() != symtabOffset {
		return nil, fmt.Errorf("elfwriter: internal error: symtab offset mismatch (%d != %d)", o.len(), symtabOffset)
	}
	for i, s := range syms {
		o.writeU32(nameOff[i])
		o.writeU32(s.value)
		o.writeU32(0) // st_size
		o.writeU8(s.info)
		o.writeU8(STV_DEFAULT)
		o.writeU16(s.section)
	}

	if o.len() != strtabOffset {
		return nil, fmt.Errorf("elfwriter: internal error: strtab offset mismatch (%d != %d)", o.len(), strtabOffset)
	}
	o.write(strtab)

	o.alignTo(4)
	if o.len() != codeRelOffset {
		return nil, fmt.Errorf("elfwriter: internal error: code reloc offset mismatch (%d != %d)", o.len(), codeRelOffset)
	}
	writeRelocations(&o, externals, symtabNumLocal, CodeVaddr, true)

	o.alignTo(4)
	if o.len() != dataRelOffset {
		return nil, fmt.Errorf("elfwriter: internal error: data reloc offset mismatch (%d != %d)", o.len(), dataRelOffset)
	}
	writeRelocations(&o, externals, symtabNumLocal, DataVaddr, false)

	if o.len() != shstrtabOffset {
		return nil, fmt.Errorf("elfwriter: internal error: shstrtab offset mismatch (%d != %d)", o.len(), shstrtabOffset)
	}
	o.write(shstrtab)

	o.alignTo(4)
	if o.len() != shoff {
		return nil, fmt.Errorf("elfwriter: internal error: shoff mismatch (%d != %d)", o.len(), shoff)
	}
	writeSectionHeaders(&o, sectionHeaderInputs{
		shNameOff:      shNameOff,
		codeOffset:     codeOffset,
		codeSize:       uint32(len(codeBytes)),
		dataOffset:     dataOffset,
		dataSize:       uint32(len(dataBytes)),
		autoloadOffset: autoloadOffset,
		autoloadSize:   uint32(len(autoloadContent)),
		symtabOffset:   symtabOffset,
		symtabCount:    uint32(len(syms)),
		symtabNumLocal: symtabNumLocal,
		strtabOffset:   strtabOffset,
		strtabSize:     uint32(len(strtab)),
		codeRelOffset:  codeRelOffset,
		numCodeReloc:   uint32(numCodeReloc),
		dataRelOffset:  dataRelOffset,
		numDataReloc:   uint32(numDataReloc),
		shstrtabOffset: shstrtabOffset,
		shstrtabSize:   uint32(len(shstrtab)),
	})

	if o.len() != reservedLen {
		return nil, fmt.Errorf("elfwriter: internal error: reserved_len %d != written_len %d", reservedLen, o.len())
	}

	return o.buf, nil
}

func applyFixups(image []byte, h nlm.Header, fixups []nlm.Fixup) error {
	patch := func(fileOffset, add uint32) error {
		if int(fileOffset)+4 > len(image) {
			return fmt.Errorf("fixup offset %#x out of range", fileOffset)
		}
		word := uint32(image[fileOffset]) | uint32(image[fileOffset+1])<<8 |
			uint32(image[fileOffset+2])<<16 | uint32(image[fileOffset+3])<<24
		word += add
		image[fileOffset] = byte(word)
		image[fileOffset+1] = byte(word >> 8)
		image[fileOffset+2] = byte(word >> 16)
		image[fileOffset+3] = byte(word >> 24)
		return nil
	}

	for _, f := range fixups {
		switch f.Kind {
		case nlm.AbsRefToDataFromData:
			if err := patch(h.DataOffs+f.Offset, DataVaddr); err != nil {
				return err
			}
		case nlm.AbsRefToDataFromCode:
			if err := patch(h.CodeOffs+f.Offset, DataVaddr); err != nil {
				return err
			}
		case nlm.AbsRefToCodeFromData:
			if err := patch(h.DataOffs+f.Offset, CodeVaddr); err != nil {
				return err
			}
		case nlm.AbsRefToCodeFromCode:
			if err := patch(h.CodeOffs+f.Offset, CodeVaddr); err != nil {
				return err
			}
		}
	}
	return nil
}
