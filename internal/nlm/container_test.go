package nlm

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func putPString(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func TestExternalsDecodesRefKinds(t *testing.T) {
	var buf bytes.Buffer
	putPString(&buf, "Foo")
	putU32(&buf, 2) // two refs
	putU32(&buf, 0x40000010)
	putU32(&buf, 0xc0000020)

	n := &NLM{
		Header: Header{ExternalsOffs: 0, ExternalsLen: 1},
		data:   buf.Bytes(),
	}

	externals, err := n.Externals()
	if err != nil {
		t.Fatal(err)
	}
	if len(externals) != 1 || externals[0].Name != "Foo" {
		t.Fatalf("unexpected externals: %+v", externals)
	}
	refs := externals[0].Refs
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2", len(refs))
	}
	if refs[0].Kind != RelRefFromCode || refs[0].Offset != 0x10 {
		t.Fatalf("ref 0 = %+v", refs[0])
	}
	if refs[1].Kind != AbsRefFromCode || refs[1].Offset != 0x20 {
		t.Fatalf("ref 1 = %+v", refs[1])
	}
}

func TestExternalsRejectsBadNibble(t *testing.T) {
	var buf bytes.Buffer
	putPString(&buf, "Bad")
	putU32(&buf, 1)
	putU32(&buf, 0x20000000) // nibble 0x2: not recognized

	n := &NLM{
		Header: Header{ExternalsOffs: 0, ExternalsLen: 1},
		data:   buf.Bytes(),
	}
	if _, err := n.Externals(); err == nil {
		t.Fatal("expected an error for an unrecognized nibble")
	}
}

func TestExportsDecodesKinds(t *testing.T) {
	var buf bytes.Buffer
	putPString(&buf, "Bar")
	putU32(&buf, 0x80000100) // code export at offset 0x100
	putPString(&buf, "Baz")
	putU32(&buf, 0x00000200) // data export at offset 0x200

	n := &NLM{
		Header: Header{ExportedOffs: 0, ExportedLen: 2},
		data:   buf.Bytes(),
	}

	exports, err := n.Exports()
	if err != nil {
		t.Fatal(err)
	}
	if len(exports) != 2 {
		t.Fatalf("got %d exports, want 2", len(exports))
	}
	if exports[0].Kind != ExportCode || exports[0].Value != 0x100 {
		t.Fatalf("export 0 = %+v", exports[0])
	}
	if exports[1].Kind != ExportData || exports[1].Value != 0x200 {
		t.Fatalf("export 1 = %+v", exports[1])
	}
}

func TestFixupsDecodesKinds(t *testing.T) {
	var buf bytes.Buffer
	putU32(&buf, 0xc0000030)
	putU32(&buf, 0x40000040)

	n := &NLM{
		Header: Header{FixupOffs: 0, FixupLen: 2},
		data:   buf.Bytes(),
	}

	fixups, err := n.Fixups()
	if err != nil {
		t.Fatal(err)
	}
	if fixups[0].Kind != AbsRefToCodeFromCode || fixups[0].Offset != 0x30 {
		t.Fatalf("fixup 0 = %+v", fixups[0])
	}
	if fixups[1].Kind != AbsRefToDataFromCode || fixups[1].Offset != 0x40 {
		t.Fatalf("fixup 1 = %+v", fixups[1])
	}
}

func TestAutoloadReadsNames(t *testing.T) {
	var buf bytes.Buffer
	putPString(&buf, "CLIB")
	putPString(&buf, "THREADS")

	n := &NLM{
		Header: Header{AutoloadOffs: 0, AutoloadLen: 2},
		data:   buf.Bytes(),
	}

	names, err := n.Autoload()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "CLIB" || names[1] != "THREADS" {
		t.Fatalf("unexpected autoload names: %+v", names)
	}
}

func TestReadPStringReplacesInvalidBytes(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(3)
	buf.Write([]byte{'A', 0x01, 0x7f})

	s, err := readPString(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if s != "A??" {
		t.Fatalf("got %q, want %q", s, "A??")
	}
}
