// Package convert is the composition root wiring the NLM parser, the ELF
// writer, and the ambient transparent-decompression layer together into a
// single conversion operation, in the same spirit as probe.go's role over
// the teacher's own format packages.
package convert

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/therootcompany/xz"

	"github.com/zhmu/nlm2elf/internal/elfwriter"
	"github.com/zhmu/nlm2elf/internal/nlm"
)

var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// Result summarizes one conversion for logging/reporting. It is never
// serialized; it exists purely to give callers something structured to log
// (cmd/nlm2elf's single-file mode logs it; batch mode does not). Run fills
// ELFSize, NLMType, ModuleName and Elapsed; it leaves InputPath, OutputPath
// and CacheHit unset.
type Result struct {
	InputPath  string
	OutputPath string
	ELFSize    int
	NLMType    uint8
	ModuleName string
	Elapsed    time.Duration
	CacheHit   bool
}

// maybeDecompress transparently unwraps an outer xz layer, if present. This
// is unrelated to the NLM's own internal Huffman/LZ packing; a file may
// carry neither, one, or conceivably (pathologically) both layers.
func maybeDecompress(raw []byte) ([]byte, error) {
	if len(raw) < len(xzMagic) || !bytes.Equal(raw[:len(xzMagic)], xzMagic) {
		return raw, nil
	}
	zr, err := xz.NewReader(bytes.NewReader(raw), xz.DefaultDictMax)
	if err != nil {
		return nil, fmt.Errorf("convert: xz: %w", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("convert: xz: %w", err)
	}
	return out, nil
}

// Output is the product of one conversion: the serialized ELF bytes, and
// (when requested) the fully reconstituted, never-packed NLM bytes.
type Output struct {
	ELF []byte
	NLM []byte
}

// NLMBytes strips any outer xz layer from raw and returns the resulting NLM
// bytes; it does not parse the header, unpack the payload, read the tables,
// or emit ELF. It is split out so cmd/nlm2elf can content-hash the raw
// bytes (post transparent-xz, pre core pipeline) for the cache without
// paying for the core pipeline on a cache hit.
func NLMBytes(raw []byte) ([]byte, error) {
	raw, err := maybeDecompress(raw)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Run converts rawInput (the literal bytes of an input file, possibly
// xz-wrapped) into an ELF-32 object and, if wantNLM is true, the
// reconstituted plain NLM bytes.
func Run(rawInput []byte, wantNLM bool) (Output, Result, error) {
	raw, err := maybeDecompress(rawInput)
	if err != nil {
		return Output{}, Result{}, err
	}

	start := time.Now()

	n, err := nlm.New(raw)
	if err != nil {
		return Output{}, Result{}, fmt.Errorf("convert: %w", err)
	}

	elfBytes, err := elfwriter.Write(n)
	if err != nil {
		return Output{}, Result{}, fmt.Errorf("convert: %w", err)
	}

	out := Output{ELF: elfBytes}
	if wantNLM {
		out.NLM = n.Bytes()
	}

	res := Result{
		ELFSize:    len(elfBytes),
		NLMType:    n.Header.NLMType,
		ModuleName: n.Header.ModuleName(),
		Elapsed:    time.Since(start),
	}
	return out, res, nil
}
