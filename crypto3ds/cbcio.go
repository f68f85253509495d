package crypto3ds

import (
	"crypto/cipher"
	"io"

	"github.com/connesc/cipherio"
)

// NewCBCReader returns a reader that decrypts r using slot's Normal key in
// CBC mode with the given IV. r's length must be a multiple of the AES
// block size; NCCH and save containers that use CBC always operate on
// whole-block regions.
func (e *Engine) NewCBCReader(slot Keyslot, iv [16]byte, r io.Reader) (io.Reader, error) {
	block, err := e.NewECBBlock(slot)
	if err != nil {
		return nil, err
	}
	return cipherio.NewBlockReader(r, cipher.NewCBCDecrypter(block, iv[:])), nil
}

// NewCBCWriter returns a writer that encrypts plaintext written to it using
// slot's Normal key in CBC mode with the given IV.
func (e *Engine) NewCBCWriter(slot Keyslot, iv [16]byte, w io.Writer) (io.WriteCloser, error) {
	block, err := e.NewECBBlock(slot)
	if err != nil {
		return nil, err
	}
	return cipherio.NewBlockWriter(w, cipher.NewCBCEncrypter(block, iv[:])), nil
}
