package save

import (
	"bytes"
	"crypto/sha256"
	"io"
)

var emptyHash [32]byte

// IVFC describes the four-level hash tree protecting a DISA/DIFF
// partition's payload (level 4). Levels 1-3 are hash metadata; level 4
// is the data callers actually want.
type IVFC struct {
	MasterHashSize int64
	Lv1            LevelData
	Lv2            LevelData
	Lv3            LevelData
	Lv4            LevelData
	DescriptorSize int64
}

var ivfcMagic = []byte{'I', 'V', 'F', 'C', 0, 0, 2, 0}

// ParseIVFC parses a 0x78-byte IVFC descriptor.
func ParseIVFC(data []byte) (IVFC, error) {
	if len(data) != 0x78 {
		return IVFC{}, &InvalidHeaderError{What: "IVFC", Reason: "expected length 0x78"}
	}
	if string(data[0:8]) != string(ivfcMagic) {
		return IVFC{}, &InvalidHeaderError{What: "IVFC", Reason: "magic mismatch"}
	}

	levels := make([]LevelData, 4)
	for lvl := 0; lvl < 4; lvl++ {
		offs := 0x10 + lvl*0x18
		blockLog2 := le32(data[offs+0x10 : offs+0x14])
		levels[lvl] = LevelData{
			Offset:        int64(le64(data[offs : offs+0x8])),
			Size:          int64(le64(data[offs+0x8 : offs+0x10])),
			BlockSizeLog2: blockLog2,
			BlockSize:     1 << blockLog2,
		}
	}

	return IVFC{
		MasterHashSize: int64(le64(data[0x8:0x10])),
		Lv1:            levels[0],
		Lv2:            levels[1],
		Lv3:            levels[2],
		Lv4:            levels[3],
		DescriptorSize: int64(le64(data[0x70:0x78])),
	}, nil
}

// Bytes re-encodes v in IVFC's on-disk layout.
func (v IVFC) Bytes() []byte {
	out := make([]byte, 0x78)
	copy(out[0:8], ivfcMagic)
	putLE64(out[0x8:0x10], uint64(v.MasterHashSize))
	for lvl, level := range []LevelData{v.Lv1, v.Lv2, v.Lv3, v.Lv4} {
		offs := 0x10 + lvl*0x18
		putLE64(out[offs:offs+0x8], uint64(level.Offset))
		putLE64(out[offs+0x8:offs+0x10], uint64(level.Size))
		putLE32(out[offs+0x10:offs+0x14], level.BlockSizeLog2)
	}
	putLE64(out[0x70:0x78], uint64(v.DescriptorSize))
	return out
}

// HashTree implements read-side IVFC hash verification over levels 1-3,
// with level 4 (the payload) optionally living in a separate stream when
// DIFI.EnableExternalIVFCLv4 is set.
type HashTree struct {
	ivfc         IVFC
	masterHashes [][32]byte
	levels       [4]io.ReaderAt // lv1, lv2, lv3, lv4
}

// NewHashTree builds a hash tree over base (which must contain levels
// 1-3, and level 4 too unless lv4 is supplied separately).
func NewHashTree(base io.ReaderAt, ivfc IVFC, masterHashes [][32]byte, lv4 io.ReaderAt) *HashTree {
	lv4Reader := lv4
	if lv4Reader == nil {
		lv4Reader = io.NewSectionReader(base, ivfc.Lv4.Offset, ivfc.Lv4.Size)
	}

	return &HashTree{
		ivfc:         ivfc,
		masterHashes: masterHashes,
		levels: [4]io.ReaderAt{
			io.NewSectionReader(base, ivfc.Lv1.Offset, ivfc.Lv1.Size),
			io.NewSectionReader(base, ivfc.Lv2.Offset, ivfc.Lv2.Size),
			io.NewSectionReader(base, ivfc.Lv3.Offset, ivfc.Lv3.Size),
			lv4Reader,
		},
	}
}

func (t *HashTree) levelData(level int) LevelData {
	switch level {
	case 1:
		return t.ivfc.Lv1
	case 2:
		return t.ivfc.Lv2
	case 3:
		return t.ivfc.Lv3
	default:
		return t.ivfc.Lv4
	}
}

// GetBlock reads one block of level and, if verify is set, checks its
// hash against the level above (or the master hash, for level 1).
// The returned bool is true if valid, false if invalid, and unset
// (false) with a nil error when the expected hash is all zero
// (uninitialized region) — callers distinguish via validity==unknown by
// checking hasHash.
func (t *HashTree) GetBlock(level, block int, verify bool) (data []byte, valid bool, hasHash bool, err error) {
	ld := t.levelData(level)
	buf := make([]byte, ld.BlockSize)
	n, err := t.levels[level-1].ReadAt(buf, int64(block)*ld.BlockSize)
	if err != nil && err != io.EOF {
		return nil, false, false, err
	}
	data = buf[:n]

	if !verify {
		return data, false, false, nil
	}

	padded := make([]byte, ld.BlockSize)
	copy(padded, data)
	sum := sha256.Sum256(padded)

	if level == 1 {
		if block >= len(t.masterHashes) {
			return data, false, false, nil
		}
		return data, t.masterHashes[block] == sum, true, nil
	}

	hashPos := int64(block) * 0x20
	var expected [32]byte
	if _, err := t.levels[level-2].ReadAt(expected[:], hashPos); err != nil && err != io.EOF {
		return data, false, false, err
	}
	if expected == emptyHash {
		return data, false, false, nil
	}
	return data, bytes.Equal(expected[:], sum[:]), true, nil
}

// Level4Reader returns a seekable reader over the verified level 4
// payload. verify controls whether blocks are hash-checked as they're
// read; an invalid block is returned filled with 0xDD, matching the
// reference tool's convention for "this data failed verification".
func (t *HashTree) Level4Reader(verify bool) io.ReadSeeker {
	return &level4Reader{tree: t, verify: verify, size: t.ivfc.Lv4.Size, blockSize: t.ivfc.Lv4.BlockSize}
}

type level4Reader struct {
	tree      *HashTree
	verify    bool
	size      int64
	blockSize int64
	pos       int64
}

func (r *level4Reader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	size := int64(len(p))
	if r.pos+size > r.size {
		size = r.size - r.pos
	}

	startBlock, endBlock := blockRange(r.pos, size, r.blockSize)
	var out []byte
	for block := startBlock; block <= endBlock; block++ {
		data, valid, hasHash, err := r.tree.GetBlock(4, int(block), r.verify)
		if err != nil {
			return 0, err
		}
		if r.verify && hasHash && !valid {
			data = bytes.Repeat([]byte{0xDD}, len(data))
		}
		out = append(out, data...)
	}

	firstOffset := r.pos % r.blockSize
	if int64(len(out)) < firstOffset {
		return 0, io.EOF
	}
	out = out[firstOffset:]
	if int64(len(out)) > size {
		out = out[:size]
	}

	n := copy(p, out)
	r.pos += int64(n)
	return n, nil
}

func (r *level4Reader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		r.pos = r.size + offset
	}
	if r.pos < 0 {
		r.pos = 0
	}
	return r.pos, nil
}

// IVFCReadOnlyError reports an attempted write through this read-only
// hash tree implementation.
type IVFCReadOnlyError struct{}

func (e *IVFCReadOnlyError) Error() string { return "save: IVFC hash tree is read-only" }
