package crypto3ds

import (
	"crypto/cipher"
	"io"
)

// reverseBlocks reverses each 16-byte block of b in place. TWL-mode
// keyslots crypt data with each 16-byte block byte-reversed before and
// after the XOR keystream is applied.
func reverseBlocks(b []byte) {
	for off := 0; off+16 <= len(b); off += 16 {
		block := b[off : off+16]
		for i, j := 0, 15; i < j; i, j = i+1, j-1 {
			block[i], block[j] = block[j], block[i]
		}
	}
}

// NewCTRReader returns a reader that decrypts (or encrypts; AES-CTR is
// symmetric) r using slot's Normal key in CTR mode starting from the given
// 16-byte counter. For TWL-mode keyslots (<= TWLNAND) each whole 16-byte
// block of data is byte-reversed before and after the keystream is applied
// (the counter is used as given), matching the DSi crypto engine.
func (e *Engine) NewCTRReader(slot Keyslot, ctr [16]byte, r io.Reader) (io.Reader, error) {
	block, err := e.NewECBBlock(slot)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, ctr[:])

	if !isTWL(slot) {
		return &cipher.StreamReader{S: stream, R: r}, nil
	}

	return &twlCTRReader{stream: stream, r: r}, nil
}

// twlCTRReader implements the DSi CTR variant: reverse each ciphertext
// block, XOR the keystream, reverse the result back.
type twlCTRReader struct {
	stream cipher.Stream
	r      io.Reader
}

func (t *twlCTRReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 {
		return n, err
	}
	buf := make([]byte, n)
	copy(buf, p[:n])
	reverseBlocks(alignDown16(buf))
	t.stream.XORKeyStream(buf, buf)
	reverseBlocks(alignDown16(buf))
	copy(p, buf)
	return n, err
}

func alignDown16(b []byte) []byte {
	return b[:len(b)-(len(b)%16)]
}

// NewCTRWriter is the write-side counterpart of NewCTRReader.
func (e *Engine) NewCTRWriter(slot Keyslot, ctr [16]byte, w io.Writer) (io.Writer, error) {
	block, err := e.NewECBBlock(slot)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, ctr[:])

	if !isTWL(slot) {
		return &cipher.StreamWriter{S: stream, W: w}, nil
	}

	return &twlCTRWriter{stream: stream, w: w}, nil
}

type twlCTRWriter struct {
	stream cipher.Stream
	w      io.Writer
}

func (t *twlCTRWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	reverseBlocks(alignDown16(buf))
	t.stream.XORKeyStream(buf, buf)
	reverseBlocks(alignDown16(buf))
	return t.w.Write(buf)
}
