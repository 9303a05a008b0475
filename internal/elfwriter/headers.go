package elfwriter

import "github.com/zhmu/nlm2elf/internal/nlm"

func writeFileHeader(o *outBuf, entry, phoff, shoff uint32, shnum, shstrndx uint16) {
	o.write([]byte{0x7f, 'E', 'L', 'F', ELFCLASS32, ELFDATA2LSB, EV_CURRENT, ELFOSABI_NONE})
	o.write(make([]byte, 8)) // e_ident padding
	o.writeU16(ET_DYN)
	o.writeU16(EM_386)
	o.writeU32(EV_CURRENT)
	o.writeU32(entry)
	o.writeU32(phoff)
	o.writeU32(shoff)
	o.writeU32(0) // e_flags
	o.writeU16(ehsize)
	o.writeU16(phentsize)
	o.writeU16(2) // e_phnum
	o.writeU16(shentsize)
	o.writeU16(shnum)
	o.writeU16(shstrndx)
}

func writeProgramHeader(o *outBuf, flags, offset, vaddr, filesz, align uint32) {
	o.writeU32(PT_LOAD)
	o.writeU32(offset)
	o.writeU32(vaddr)
	o.writeU32(vaddr) // p_paddr
	o.writeU32(filesz)
	o.writeU32(filesz) // p_memsz
	o.writeU32(flags)
	o.writeU32(align)
}

func writeRelocations(o *outBuf, externals []nlm.External, symtabNumLocal, vaddr uint32, code bool) {
	for n, ext := range externals {
		symIndex := symtabNumLocal + uint32(n)
		for _, ref := range ext.Refs {
			var rtype uint32
			var match bool
			if code {
				switch ref.Kind {
				case nlm.RelRefFromCode:
					rtype, match = R_386_PC32, true
				case nlm.AbsRefFromCode:
					rtype, match = R_386_32, true
				}
			} else {
				switch ref.Kind {
				case nlm.RelRefFromData:
					rtype, match = R_386_PC32, true
				case nlm.AbsRefFromData:
					rtype, match = R_386_32, true
				}
			}
			if !match {
				continue
			}
			o.writeU32(ref.Offset + vaddr)
			o.writeU32(symIndex<<8 | rtype)
		}
	}
}

type sectionHeaderInputs struct {
	shNameOff []uint32

	codeOffset, codeSize         uint32
	dataOffset, dataSize         uint32
	autoloadOffset, autoloadSize uint32
	symtabOffset, symtabCount    uint32
	symtabNumLocal               uint32
	strtabOffset, strtabSize     uint32
	codeRelOffset, numCodeReloc  uint32
	dataRelOffset, numDataReloc  uint32
	shstrtabOffset, shstrtabSize uint32
}

func writeSectionHeader(o *outBuf, name, shType, flags, addr, offset, size, link, info, align, entsize uint32) {
	o.writeU32(name)
	o.writeU32(shType)
	o.writeU32(flags)
	o.writeU32(addr)
	o.writeU32(offset)
	o.writeU32(size)
	o.writeU32(link)
	o.writeU32(info)
	o.writeU32(align)
	o.writeU32(entsize)
}

const (
	codeIdx     = 1
	relTextIdx  = 2
	dataIdx     = 3
	relDataIdx  = 4
	autoloadIdx = 5
	symtabIdx   = 6
	strtabIdx   = 7
	shstrtabIdx = 8
	numSections = 8 // not counting the null section
)

func writeSectionHeaders(o *outBuf, in sectionHeaderInputs) {
	writeSectionHeader(o, 0, SHT_NULL, 0, 0, 0, 0, 0, 0, 0, 0) // null

	writeSectionHeader(o, in.shNameOff[1], SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR,
		CodeVaddr, in.codeOffset, in.codeSize, 0, 0, segAlign, 0)
	writeSectionHeader(o, in.shNameOff[2], SHT_REL, 0,
		0, in.codeRelOffset, in.numCodeReloc*relsize, symtabIdx, codeIdx, 4, relsize)

	writeSectionHeader(o, in.shNameOff[3], SHT_PROGBITS, SHF_ALLOC|SHF_WRITE,
		DataVaddr, in.dataOffset, in.dataSize, 0, 0, segAlign, 0)
	writeSectionHeader(o, in.shNameOff[4], SHT_REL, 0,
		0, in.dataRelOffset, in.numDataReloc*relsize, symtabIdx, dataIdx, 4, relsize)

	writeSectionHeader(o, in.shNameOff[5], SHT_NOTE, 0,
		0, in.autoloadOffset, in.autoloadSize, 0, 0, 1, 0)

	writeSectionHeader(o, in.shNameOff[6], SHT_SYMTAB, 0,
		0, in.symtabOffset, in.symtabCount*symsize, strtabIdx, in.symtabNumLocal, 4, symsize)

	writeSectionHeader(o, in.shNameOff[7], SHT_STRTAB, 0,
		0, in.strtabOffset, in.strtabSize, 0, 0, 1, 0)

	writeSectionHeader(o, in.shNameOff[8], SHT_STRTAB, 0,
		0, in.shstrtabOffset, in.shstrtabSize, 0, 0, 1, 0)
}
