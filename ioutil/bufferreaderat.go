package ioutil

import "io"

// BufferReaderAt reads r fully into memory and returns an io.ReaderAt over
// the result. Used to give random-access-only consumers (like ncch.Open)
// a seekable view over a stream that can only be produced forward, such
// as a CBC-decrypted CIA content.
func BufferReaderAt(r io.Reader) (io.ReaderAt, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return byteSliceReaderAt(buf), nil
}

type byteSliceReaderAt []byte

func (b byteSliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errInvalidWhence
	}
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
