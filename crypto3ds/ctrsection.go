package crypto3ds

import (
	"io"
	"math/big"
)

// addCounter returns ctr advanced by n 16-byte blocks, wrapping modulo
// 2^128 the way the hardware counter does.
func addCounter(ctr [16]byte, n int64) [16]byte {
	val := beBytesToInt(ctr)
	val.Add(val, big.NewInt(n))
	val.Mod(val, mod128)
	return intToBEBytes(val)
}

// NewCTRSectionReader returns an io.Reader that decrypts the byte range
// [offset, offset+size) of base using slot's Normal key in CTR mode, with
// baseCTR being the counter value for offset 0 of the region base
// represents (not of the whole underlying file). Reads may start at any
// offset within the section; the counter is advanced to match and any
// partial leading block is discarded after decryption.
func (e *Engine) NewCTRSectionReader(slot Keyslot, baseCTR [16]byte, base io.ReaderAt, offset, size int64) (io.Reader, error) {
	blockOffset := offset / 16
	skip := int(offset % 16)

	sr := io.NewSectionReader(base, offset-int64(skip), size+int64(skip))
	ctr := addCounter(baseCTR, blockOffset)

	dec, err := e.NewCTRReader(slot, ctr, sr)
	if err != nil {
		return nil, err
	}
	if skip == 0 {
		return dec, nil
	}
	if _, err := io.CopyN(io.Discard, dec, int64(skip)); err != nil {
		return nil, err
	}
	return dec, nil
}
