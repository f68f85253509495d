package ioutil

import "io"

// ConcatReader presents an ordered list of same-typed streams as one
// contiguous, seekable, read-only stream. Used by the NCCH reader to stitch
// an ExeFS's primary-cipher header region to its secondary-cipher .code
// region into a single logical byte-stream.
type ConcatReader struct {
	parts  []io.ReadSeeker
	sizes  []int64
	prefix []int64
	total  int64
	cursor int64
}

// NewConcatReader builds a ConcatReader over parts, each contributing size
// bytes starting at its own offset 0.
func NewConcatReader(parts []io.ReadSeeker, sizes []int64) *ConcatReader {
	prefix := make([]int64, len(sizes)+1)
	for i, sz := range sizes {
		prefix[i+1] = prefix[i] + sz
	}
	return &ConcatReader{parts: parts, sizes: sizes, prefix: prefix, total: prefix[len(prefix)-1]}
}

func (c *ConcatReader) Read(p []byte) (int, error) {
	if c.cursor >= c.total {
		return 0, io.EOF
	}

	idx := c.locate(c.cursor)
	partOffset := c.cursor - c.prefix[idx]

	if _, err := c.parts[idx].Seek(partOffset, io.SeekStart); err != nil {
		return 0, err
	}

	max := c.prefix[idx+1] - c.cursor
	if int64(len(p)) > max {
		p = p[:max]
	}

	n, err := c.parts[idx].Read(p)
	c.cursor += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (c *ConcatReader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = c.cursor + offset
	case io.SeekEnd:
		target = c.total + offset
	default:
		return 0, errInvalidWhence
	}
	if target < 0 {
		return 0, errInvalidWhence
	}
	c.cursor = target
	return target, nil
}

// locate returns the index of the part containing the virtual offset off.
func (c *ConcatReader) locate(off int64) int {
	lo, hi := 0, len(c.sizes)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.prefix[mid] <= off {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// Size returns the total length of the concatenated stream.
func (c *ConcatReader) Size() int64 { return c.total }
