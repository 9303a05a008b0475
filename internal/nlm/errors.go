// Package nlm decodes NetWare Loadable Module images: their fixed header,
// their optional Huffman/LZ-packed payload, and the externals/exports/fixups/
// autoload tables addressed by that header.
package nlm

import "errors"

var (
	// ErrBadMagic is returned when a header's magic field does not match
	// the literal NLM signature.
	ErrBadMagic = errors.New("nlm: bad magic")

	// ErrBadPreamble is returned when the packed payload's two preamble
	// bytes are not {1, 10}.
	ErrBadPreamble = errors.New("nlm: bad compression preamble")

	// ErrBadNibble is returned when an externals, exports, or fixups
	// ref-word carries a type nibble outside the recognized set.
	ErrBadNibble = errors.New("nlm: unrecognized reference type nibble")

	// ErrTruncated is returned by the bit streamer when a bit is requested
	// past the end of the underlying byte source.
	ErrTruncated = errors.New("nlm: truncated bit stream")

	// ErrBadDistance is returned when a back-reference in the packed
	// stream resolves outside the current output.
	ErrBadDistance = errors.New("nlm: back-reference distance out of range")
)
