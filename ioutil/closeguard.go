package ioutil

import "io"

// CloseGuard wraps a Section (or any other io.ReadWriteSeeker) and adds a
// no-op Close, so a sub-view can implement io.Closer cooperatively without
// closing the base stream several sub-views share. The owning container
// closes the real base stream itself, once, from its own Close.
type CloseGuard struct {
	io.ReadWriteSeeker
}

// Close is always nil; the underlying stream outlives this wrapper.
func (CloseGuard) Close() error { return nil }

var _ io.ReadWriteSeeker = CloseGuard{}
var _ io.Closer = CloseGuard{}
