package nlm

import (
	"bytes"
	"fmt"
)

// unpackPayload runs the bit-stream preamble check, reads the three Huffman
// trees, and decodes the LZ-style command stream into decompressLen bytes.
// decompressLen is the length of the payload alone (the full declared image
// length minus PackedOffset); the header bytes preceding it are spliced back
// in by the caller.
func unpackPayload(packed []byte) ([]byte, int, error) {
	s := newBitStreamer(bytes.NewReader(packed))

	a, err := s.ReadBits(8)
	if err != nil {
		return nil, 0, err
	}
	b, err := s.ReadBits(8)
	if err != nil {
		return nil, 0, err
	}
	if a != 1 || b != 10 {
		return nil, 0, fmt.Errorf("%w: got (%d, %d), want (1, 10)", ErrBadPreamble, a, b)
	}

	totalLen, err := s.ReadBits(32)
	if err != nil {
		return nil, 0, err
	}

	tree1, err := readTree(s)
	if err != nil {
		return nil, 0, fmt.Errorf("nlm: read tree 1: %w", err)
	}
	tree2, err := readTree(s)
	if err != nil {
		return nil, 0, fmt.Errorf("nlm: read tree 2: %w", err)
	}
	tree3, err := readTree(s)
	if err != nil {
		return nil, 0, fmt.Errorf("nlm: read tree 3: %w", err)
	}

	decompressLen := int(totalLen) - PackedOffset
	out, err := unpack(s, decompressLen, tree1, tree2, tree3)
	if err != nil {
		return nil, 0, err
	}
	return out, int(totalLen), nil
}

// unpack decodes the mixed literal/back-reference command stream into a
// growing output buffer, using earlier bytes of that same buffer as the
// back-reference dictionary (overlap between the source and destination of a
// copy is explicitly permitted).
func unpack(s *bitStreamer, decompressLen int, tree1, tree2, tree3 *huffTree) ([]byte, error) {
	result := make([]byte, 0, decompressLen)

	for len(result) < decompressLen {
		tag, err := s.ReadBit()
		if err != nil {
			return nil, err
		}

		if tag != 0 {
			b1, err := tree1.decode(s)
			if err != nil {
				return nil, err
			}
			result = append(result, b1)
			continue
		}

		b2, err := tree2.decode(s)
		if err != nil {
			return nil, err
		}

		switch {
		case b2 <= 0xfd:
			result, err = copyBack(s, result, tree3, int(b2))
			if err != nil {
				return nil, err
			}

		case b2 == 0xff:
			s.DropBits()
			for i := 0; i < 8; i++ {
				v, err := s.ReadBits(8)
				if err != nil {
					return nil, err
				}
				result = append(result, byte(v))
			}
			bl, err := s.ReadBits(8)
			if err != nil {
				return nil, err
			}
			result = append(result, byte(bl))
			bh, err := s.ReadBits(8)
			if err != nil {
				return nil, err
			}
			result = append(result, byte(bh))
			bt, err := s.ReadBits(8)
			if err != nil {
				return nil, err
			}
			result = append(result, byte(bt))

			n := (bt << 16) + (bh << 8) + bl + 1
			for i := uint32(0); i < n; i++ {
				v, err := s.ReadBits(8)
				if err != nil {
					return nil, err
				}
				result = append(result, byte(v))
			}

		default: // b2 == 0xfe: long copy-back
			count, err := s.ReadBits(13)
			if err != nil {
				return nil, err
			}
			result, err = copyBack(s, result, tree3, int(count))
			if err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// copyBack reads a 5-bit low offset and a tree3-decoded high offset, computes
// the back-reference distance, and appends n bytes copied from it. The copy
// proceeds one byte at a time so that overlapping back-references (where a
// byte appended this call is itself later read by the same call) behave like
// classic LZ77 self-referential copies.
func copyBack(s *bitStreamer, result []byte, tree3 *huffTree, n int) ([]byte, error) {
	low, err := s.ReadBits(5)
	if err != nil {
		return nil, err
	}
	high, err := tree3.decode(s)
	if err != nil {
		return nil, err
	}
	distance := (uint32(high) << 5) + low

	if distance == 0 || int(distance) > len(result) {
		return nil, fmt.Errorf("%w: distance %d at output length %d", ErrBadDistance, distance, len(result))
	}

	offset := len(result) - int(distance)
	for i := 0; i < n; i++ {
		result = append(result, result[offset+i])
	}
	return result, nil
}
