package ioutil

import (
	"crypto/cipher"
	"io"

	"github.com/connesc/cipherio"
)

// NewBlockCipherReader returns a reader that applies mode (typically a CBC
// decrypter) to r one block at a time, buffering partial reads across Read
// calls so callers can request arbitrary chunk sizes.
func NewBlockCipherReader(mode cipher.BlockMode, r io.Reader) io.Reader {
	return cipherio.NewBlockReader(r, mode)
}

// NewBlockCipherWriter is the write-side counterpart of
// NewBlockCipherReader.
func NewBlockCipherWriter(mode cipher.BlockMode, w io.Writer) io.WriteCloser {
	return cipherio.NewBlockWriter(w, mode)
}
