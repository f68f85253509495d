package ioutil

import "io"

// TrackingReader wraps another Reader to track how many bytes have been
// consumed and to expose Discard for skipping a known number of bytes
// (e.g. padding between CIA sections).
type TrackingReader struct {
	inner  io.Reader
	offset int64
	err    error
}

var _ io.Reader = (*TrackingReader)(nil)

// NewTrackingReader wraps inner. If inner is already a fresh
// *TrackingReader (offset 0), it is returned unwrapped.
func NewTrackingReader(inner io.Reader) *TrackingReader {
	if r, ok := inner.(*TrackingReader); ok && r.offset == 0 {
		return r
	}
	return &TrackingReader{inner: inner}
}

func (r *TrackingReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.inner.Read(p)
	r.offset += int64(n)
	r.err = err
	return n, err
}

// Offset of the next byte to be read.
func (r *TrackingReader) Offset() int64 { return r.offset }

// Err returned by the last Read.
func (r *TrackingReader) Err() error { return r.err }

// Discard the next n bytes, turning a premature EOF into
// io.ErrUnexpectedEOF.
func (r *TrackingReader) Discard(n int64) error {
	discarded, err := io.CopyN(io.Discard, r, n)
	if err == io.EOF && discarded > 0 {
		err = io.ErrUnexpectedEOF
	}
	return err
}
