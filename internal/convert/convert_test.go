package convert_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/zhmu/nlm2elf/internal/convert"
	"github.com/zhmu/nlm2elf/internal/nlm"
)

func buildMinimalNLM(t *testing.T) []byte {
	t.Helper()
	h := nlm.Header{Magic: nlm.Magic, LoadVersion: nlm.LoadVersionUnpacked}
	copy(h.Name[:], "MINIMOD")

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatal(err)
	}
	headerLen := uint32(buf.Len())

	code := []byte{0xc3, 0x00, 0x00, 0x00}

	h.CodeOffs, h.CodeLen = headerLen, uint32(len(code))
	tailEnd := headerLen + uint32(len(code))
	h.DataOffs, h.DataLen = tailEnd, 0
	h.ExternalsOffs, h.ExternalsLen = tailEnd, 0
	h.ExportedOffs, h.ExportedLen = tailEnd, 0
	h.FixupOffs, h.FixupLen = tailEnd, 0
	h.AutoloadOffs, h.AutoloadLen = tailEnd, 0
	h.NLMType = 3

	var buf2 bytes.Buffer
	if err := binary.Write(&buf2, binary.LittleEndian, &h); err != nil {
		t.Fatal(err)
	}
	return append(buf2.Bytes(), code...)
}

func TestRunProducesParsableELF(t *testing.T) {
	raw := buildMinimalNLM(t)

	out, res, err := convert.Run(raw, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.ModuleName != "MINIMOD" {
		t.Fatalf("ModuleName = %q, want MINIMOD", res.ModuleName)
	}
	if res.NLMType != 3 {
		t.Fatalf("NLMType = %d, want 3", res.NLMType)
	}
	if len(out.NLM) == 0 {
		t.Fatal("expected reconstituted NLM bytes when wantNLM is true")
	}

	f, err := elf.NewFile(bytes.NewReader(out.ELF))
	if err != nil {
		t.Fatalf("output is not a valid ELF file: %v", err)
	}
	if f.Machine != elf.EM_386 {
		t.Fatalf("machine = %v, want EM_386", f.Machine)
	}
}

func TestNLMBytesPassesThroughNonXZInput(t *testing.T) {
	raw := buildMinimalNLM(t)
	out, err := convert.NLMBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, raw) {
		t.Fatal("non-xz input was modified")
	}
}

func TestRunRejectsXZMagicWithInvalidBody(t *testing.T) {
	garbage := append([]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, []byte("not really xz")...)
	if _, _, err := convert.Run(garbage, false); err == nil {
		t.Fatal("expected an error for a malformed xz-tagged input")
	}
}

// A packed image whose payload doesn't open with the (1, 10) preamble must
// fail the whole conversion, producing neither an ELF nor a reconstituted
// NLM — callers only ever write out.ELF/out.NLM after Run returns nil.
func TestRunRejectsBadCompressionPreamble(t *testing.T) {
	h := nlm.Header{Magic: nlm.Magic, LoadVersion: nlm.LoadVersionPacked}
	copy(h.Name[:], "BADPACK")

	raw := make([]byte, nlm.PackedOffset+64)
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatal(err)
	}
	copy(raw, buf.Bytes())
	// Leave the packed payload at PackedOffset as all zero bits: decodes to
	// preamble (0, 0), not the required (1, 10).

	out, _, err := convert.Run(raw, true)
	if err == nil {
		t.Fatal("expected an error for a bad compression preamble")
	}
	if out.ELF != nil || out.NLM != nil {
		t.Fatal("expected no output bytes on a failed conversion")
	}
}
