package exefs

import (
	"encoding/binary"
	"fmt"
)

const blzFooterSize = 8

// DecompressCode applies Nintendo's backward LZSS scheme (used for the
// ExeFS .code section) to comp and returns the decompressed bytes.
//
// The last 8 bytes of comp are a footer: a little-endian u32
// compressedSizeOffset (bytes of header/footer/padding to subtract from
// len(comp) to find the end of the actual token stream) followed by a
// little-endian u32 decompressedLength (final output size). Decompression
// walks the token stream backwards, consuming an 8-bit flag byte every 8
// tokens (MSB first): a 0 bit copies one raw byte, a 1 bit reads a 2-byte
// back-reference (4-bit length + 3, 12-bit offset + 3) copied from the
// already-produced tail of the output buffer.
func DecompressCode(comp []byte) ([]byte, error) {
	if len(comp) < blzFooterSize {
		return nil, &CodeDecompressionFailedError{Reason: "buffer shorter than footer"}
	}

	footer := comp[len(comp)-blzFooterSize:]
	compressedSizeOffset := binary.LittleEndian.Uint32(footer[0:4])
	decompressedLength := binary.LittleEndian.Uint32(footer[4:8])

	if int(compressedSizeOffset) > len(comp) {
		return nil, &CodeDecompressionFailedError{Reason: "compressed size offset exceeds buffer"}
	}
	compressedLen := len(comp) - int(compressedSizeOffset)
	if int(decompressedLength) < compressedLen {
		return nil, &CodeDecompressionFailedError{Reason: "decompressed length shorter than compressed data"}
	}

	out := make([]byte, decompressedLength)
	copy(out, comp[:compressedLen])

	inPos := compressedLen
	outPos := int(decompressedLength)

	var flags byte
	var mask byte

	for outPos > 0 {
		mask >>= 1
		if mask == 0 {
			inPos--
			if inPos < 0 {
				return nil, &CodeDecompressionFailedError{Reason: "flag byte underrun"}
			}
			flags = out[inPos]
			mask = 0x80
		}

		if flags&mask == 0 {
			inPos--
			outPos--
			if inPos < 0 || outPos < 0 {
				return nil, &CodeDecompressionFailedError{Reason: "literal copy underrun"}
			}
			out[outPos] = out[inPos]
			continue
		}

		inPos -= 2
		if inPos < 0 {
			return nil, &CodeDecompressionFailedError{Reason: "back-reference underrun"}
		}
		pair := uint16(out[inPos])<<8 | uint16(out[inPos+1])
		length := int((pair>>12)&0xF) + 3
		offset := int(pair&0xFFF) + 3

		outPos -= length
		if outPos < 0 {
			return nil, &CodeDecompressionFailedError{Reason: "back-reference length underrun"}
		}
		for i := length - 1; i >= 0; i-- {
			srcIdx := outPos + i + offset
			if srcIdx >= len(out) {
				return nil, &CodeDecompressionFailedError{Reason: "back-reference offset out of range"}
			}
			out[outPos+i] = out[srcIdx]
		}
	}

	return out, nil
}

// CodeDecompressionFailedError reports a malformed .code compression
// stream.
type CodeDecompressionFailedError struct {
	Reason string
}

func (e *CodeDecompressionFailedError) Error() string {
	return fmt.Sprintf("exefs: code decompression failed: %s", e.Reason)
}
