package save

import "io"

// DPFS describes the three duplex-physical levels protecting an IVFC
// tree's underlying bytes: each level is physically doubled on disk, and
// a bitmap in the level above selects which physical half of the level
// below is "active" for a given block.
type DPFS struct {
	Lv1 LevelData
	Lv2 LevelData
	Lv3 LevelData
}

var dpfsMagic = []byte{'D', 'P', 'F', 'S', 0, 0, 1, 0}

// ParseDPFS parses a 0x50-byte DPFS descriptor.
func ParseDPFS(data []byte) (DPFS, error) {
	if len(data) != 0x50 {
		return DPFS{}, &InvalidHeaderError{What: "DPFS", Reason: "expected length 0x50"}
	}
	if string(data[0:8]) != string(dpfsMagic) {
		return DPFS{}, &InvalidHeaderError{What: "DPFS", Reason: "magic mismatch"}
	}

	levels := make([]LevelData, 3)
	for lvl := 0; lvl < 3; lvl++ {
		offs := 0x8 + lvl*0x18
		blockLog2 := le32(data[offs+0x10 : offs+0x14])
		levels[lvl] = LevelData{
			Offset:        int64(le64(data[offs : offs+0x8])),
			Size:          int64(le64(data[offs+0x8 : offs+0x10])),
			BlockSizeLog2: blockLog2,
			BlockSize:     1 << blockLog2,
		}
	}
	return DPFS{Lv1: levels[0], Lv2: levels[1], Lv3: levels[2]}, nil
}

// Bytes re-encodes d in DPFS's on-disk layout.
func (d DPFS) Bytes() []byte {
	out := make([]byte, 0x50)
	copy(out[0:8], dpfsMagic)
	for lvl, level := range []LevelData{d.Lv1, d.Lv2, d.Lv3} {
		offs := 0x8 + lvl*0x18
		putLE64(out[offs:offs+0x8], uint64(level.Offset))
		putLE64(out[offs+0x8:offs+0x10], uint64(level.Size))
		putLE32(out[offs+0x10:offs+0x14], level.BlockSizeLog2)
	}
	return out
}

// dpfsLevel1 holds the active-half selector bits for level 2.
type dpfsLevel1 struct {
	bits []uint32
}

func newDPFSLevel1(data []byte, treeSelector byte) dpfsLevel1 {
	half := len(data) / 2
	active := data[:half]
	if treeSelector != 0 {
		active = data[half:]
	}
	return dpfsLevel1{bits: readLE32Array(active)}
}

func (l dpfsLevel1) activeBit(bit int) bool {
	word := l.bits[bit>>5]
	shift := uint(31 - (bit % 32))
	return (word>>shift)&1 != 0
}

func (l dpfsLevel1) allActiveBits() []bool {
	out := make([]bool, 0, len(l.bits)*32)
	for _, word := range l.bits {
		for shift := 31; shift >= 0; shift-- {
			out = append(out, (word>>uint(shift))&1 != 0)
		}
	}
	return out
}

// dpfsLevel2 holds the active-half selector bits for level 3.
type dpfsLevel2 struct {
	bits []uint32
}

func newDPFSLevel2(data []byte, blockSize int64, lv1 dpfsLevel1) dpfsLevel2 {
	half := int64(len(data)) / 2
	var out []uint32
	activeBits := lv1.allActiveBits()
	for i, offs := 0, int64(0); offs < half; i, offs = i+1, offs+blockSize {
		chunkOffset := int64(0)
		if i < len(activeBits) && activeBits[i] {
			chunkOffset = half
		}
		end := offs + blockSize
		if end > half {
			end = half
		}
		block := data[chunkOffset+offs : chunkOffset+end]
		out = append(out, readLE32Array(block)...)
	}
	return dpfsLevel2{bits: out}
}

func (l dpfsLevel2) activeBit(block int) bool {
	word := l.bits[block>>5]
	shift := uint(31 - (block % 32))
	return (word>>shift)&1 != 0
}

// dpfsLevel3 exposes the DPFS-protected bytes, resolving each block's
// active physical half via level 2's bitmap. Read-only, matching
// SPEC_FULL.md's scope for this module.
type dpfsLevel3 struct {
	base      io.ReaderAt
	size      int64
	blockSize int64
	lv2       dpfsLevel2
}

func newDPFSLevel3(base io.ReaderAt, size, blockSize int64, lv2 dpfsLevel2) *dpfsLevel3 {
	return &dpfsLevel3{base: base, size: size, blockSize: blockSize, lv2: lv2}
}

// ReadAt implements io.ReaderAt over the logical (de-duplexed) level 3
// data.
func (l *dpfsLevel3) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= l.size {
		return 0, io.EOF
	}
	size := int64(len(p))
	if off+size > l.size {
		size = l.size - off
	}

	startBlock, endBlock := blockRange(off, size, l.blockSize)
	var total int
	for block := startBlock; block <= endBlock; block++ {
		chunkOffset := int64(0)
		if l.lv2.activeBit(int(block)) {
			chunkOffset = l.size
		}

		blockStart := block * l.blockSize
		buf := make([]byte, l.blockSize)
		n, err := l.base.ReadAt(buf, chunkOffset+blockStart)
		if err != nil && err != io.EOF {
			return total, err
		}
		buf = buf[:n]

		lo := int64(0)
		if block == startBlock {
			lo = off - blockStart
		}
		hi := int64(len(buf))
		if block == endBlock {
			tailEnd := (off + size) - blockStart
			if tailEnd < hi {
				hi = tailEnd
			}
		}
		if lo > hi || lo > int64(len(buf)) {
			continue
		}
		if hi > int64(len(buf)) {
			hi = int64(len(buf))
		}
		n2 := copy(p[total:], buf[lo:hi])
		total += n2
	}

	if int64(total) < int64(len(p)) {
		return total, io.EOF
	}
	return total, nil
}

// DPFSReadOnlyError reports an attempted write to a read-only DPFS level.
type DPFSReadOnlyError struct{}

func (e *DPFSReadOnlyError) Error() string { return "save: DPFS level is read-only" }
