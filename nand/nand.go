// Package nand parses raw Nintendo 3DS NAND dumps: the NCSD partition
// table at offset 0, and the per-partition keyslot/counter scheme needed
// to read TWL and CTR partitions in the clear.
package nand

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/connesc/ctrfs/crypto3ds"
)

const mediaUnit = 0x200

// Section names a NAND partition, either by its physical table slot
// (0-7) or by one of the synthetic offsets this package derives from
// well-known NAND layout conventions.
type Section int

const (
	SectionHeader          Section = -1
	SectionTWLMBR          Section = -2
	SectionTWLNAND         Section = -3
	SectionAGBSAVE         Section = -4
	SectionFIRM0           Section = -5
	SectionFIRM1           Section = -6
	SectionCTRNAND         Section = -7
	SectionSector0x96      Section = -8
	SectionGM9BonusVolume  Section = -9
	SectionMinSize         Section = -10
)

// Region describes one partition's byte range and the keyslot/cipher
// scheme it's protected with.
type Region struct {
	Offset int64
	Size   int64
	Cipher Cipher
	Slot   crypto3ds.Keyslot
}

// Cipher names how a NAND region's bytes are protected.
type Cipher int

const (
	CipherNone Cipher = iota
	CipherTWL
	CipherCTR
)

// defaultCTRBase is used when no NAND CID is supplied, matching the
// well-known fallback constant 3DS NAND tooling falls back to (all
// zero counter base).
var defaultCTRBase [16]byte

// Reader is an opened NAND dump.
type Reader struct {
	base    io.ReaderAt
	eng     *crypto3ds.Engine
	ctrBase [16]byte
	regions map[Section]Region
	new3DS  bool
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	nandCID []byte
	new3DS  bool
}

// WithNANDCID supplies the console's NAND CID, used to derive the CTR
// counter base via SHA-1. Without it, Open falls back to a zero counter
// base and logs a Warn line through eng's logger.
func WithNANDCID(cid []byte) Option {
	return func(c *openConfig) { c.nandCID = cid }
}

// WithNew3DS selects the New-3DS CTRNAND keyslot (0x05) instead of the
// Old-3DS one (0x06).
func WithNew3DS() Option {
	return func(c *openConfig) { c.new3DS = true }
}

// Open parses base as a raw NAND dump.
func Open(base io.ReaderAt, eng *crypto3ds.Engine, opts ...Option) (*Reader, error) {
	cfg := &openConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var header [0x200]byte
	if _, err := base.ReadAt(header[:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("nand: read header: %w", err)
	}
	if string(header[0x100:0x104]) != "NCSD" {
		return nil, &InvalidHeaderError{Reason: "missing NCSD magic"}
	}

	ctrBase := defaultCTRBase
	if len(cfg.nandCID) > 0 {
		sum := sha1.Sum(cfg.nandCID)
		copy(ctrBase[:], sum[:16])
	} else {
		eng.Logger().Warn("nand: no NAND CID supplied, using fallback CTR counter base")
	}

	r := &Reader{base: base, eng: eng.Clone(), ctrBase: ctrBase, regions: map[Section]Region{}, new3DS: cfg.new3DS}
	r.regions[SectionHeader] = Region{Offset: 0, Size: mediaUnit, Cipher: CipherNone}

	partitionTable := header[0x120:0x160]
	for idx := 0; idx < 8; idx++ {
		info := partitionTable[idx*8 : idx*8+8]
		offset := int64(le32(info[0:4])) * mediaUnit
		size := int64(le32(info[4:8])) * mediaUnit
		if offset == 0 {
			continue
		}
		region := r.classify(idx, offset, size)
		r.regions[Section(idx)] = region
		if synthetic, ok := synthesizedName(idx); ok {
			r.regions[synthetic] = region
		}
	}

	return r, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// classify assigns a partition's cipher scheme and keyslot from its
// table index, per the fixed NAND layout this package targets (TWL at
// slot 0, CTRNAND-old at slot 5, FIRM at slots 3/4).
func (r *Reader) classify(idx int, offset, size int64) Region {
	switch idx {
	case 0:
		return Region{Offset: offset, Size: size, Cipher: CipherTWL, Slot: crypto3ds.TWLNAND}
	case 3, 4:
		return Region{Offset: offset, Size: size, Cipher: CipherCTR, Slot: crypto3ds.FIRM}
	case 5:
		slot := crypto3ds.CTRNANDOld
		if r.new3DS {
			slot = crypto3ds.CTRNANDNew
		}
		return Region{Offset: offset, Size: size, Cipher: CipherCTR, Slot: slot}
	default:
		return Region{Offset: offset, Size: size, Cipher: CipherNone}
	}
}

func synthesizedName(idx int) (Section, bool) {
	switch idx {
	case 0:
		return SectionTWLNAND, true
	case 3:
		return SectionFIRM0, true
	case 4:
		return SectionFIRM1, true
	case 5:
		return SectionCTRNAND, true
	default:
		return 0, false
	}
}

// counterAt returns the per-block counter for raw NAND offset o.
func (r *Reader) counterAt(o int64) [16]byte {
	return addCounter(r.ctrBase, o/16)
}

func addCounter(ctr [16]byte, blocks int64) [16]byte {
	// mirrors crypto3ds's own big.Int-based rollover, kept local to avoid
	// exporting an internal helper solely for this one call site.
	carry := uint64(blocks)
	out := ctr
	for i := 15; i >= 0 && carry > 0; i-- {
		sum := uint64(out[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

// OpenRegion returns a decrypting reader over the whole of section.
func (r *Reader) OpenRegion(section Section) (io.Reader, error) {
	region, ok := r.regions[section]
	if !ok {
		return nil, &SectionNotPresentError{Section: section}
	}
	sub := io.NewSectionReader(r.base, region.Offset, region.Size)
	switch region.Cipher {
	case CipherNone:
		return sub, nil
	case CipherTWL, CipherCTR:
		return r.eng.NewCTRSectionReader(region.Slot, r.counterAt(0), sub, 0, region.Size)
	default:
		return sub, nil
	}
}

// OpenSector0x96 exposes the raw sector 0x96 region with keyslot 0x11
// and a fixed zero counter, per this package's Open Question resolution:
// callers that need it must ask for it explicitly rather than have it
// folded into the general partition table walk.
func (r *Reader) OpenSector0x96(offset, size int64) (io.Reader, error) {
	sub := io.NewSectionReader(r.base, offset, size)
	var zero [16]byte
	return r.eng.NewCTRSectionReader(crypto3ds.Sector0x96Key, zero, sub, 0, size)
}

// OpenCTRPartition returns CTRNAND's contents past its leading 0x200
// bytes, landing the returned reader on the FAT MBR.
func (r *Reader) OpenCTRPartition() (io.Reader, error) {
	region, ok := r.regions[SectionCTRNAND]
	if !ok {
		return nil, &SectionNotPresentError{Section: SectionCTRNAND}
	}
	sub := io.NewSectionReader(r.base, region.Offset, region.Size)
	return r.eng.NewCTRSectionReader(region.Slot, r.counterAt(0), sub, mediaUnit, region.Size-mediaUnit)
}

// OpenTWLPartition returns TWL partition i's contents (0-3), honouring
// the TWL MBR partition records at offset 0x1BE of the TWL-NAND region.
func (r *Reader) OpenTWLPartition(i int) (io.Reader, error) {
	if i < 0 || i > 3 {
		return nil, fmt.Errorf("nand: TWL partition index out of range: %d", i)
	}
	region, ok := r.regions[SectionTWLNAND]
	if !ok {
		return nil, &SectionNotPresentError{Section: SectionTWLNAND}
	}

	var mbr [0x200]byte
	plain, err := r.eng.NewCTRSectionReader(region.Slot, r.counterAt(0), io.NewSectionReader(r.base, region.Offset, region.Size), 0, mediaUnit)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(plain, mbr[:]); err != nil {
		return nil, err
	}

	entry := mbr[0x1BE+i*16 : 0x1BE+i*16+16]
	partOffset := int64(le32(entry[8:12])) * mediaUnit
	partSize := int64(le32(entry[12:16])) * mediaUnit
	if partOffset == 0 {
		return nil, &SectionNotPresentError{Section: SectionTWLMBR}
	}

	sub := io.NewSectionReader(r.base, region.Offset+partOffset, partSize)
	return r.eng.NewCTRSectionReader(region.Slot, r.counterAt(partOffset), sub, 0, partSize)
}

// WriteRestriction reports whether writing at raw NAND offset o within
// the TWL-NAND region would collide with the protected MBR range
// 0x000-0x1BD, returning a ProtectedRangeError if so. It does not check
// whether a write crosses the CTR/TWL partition boundary, and never
// returns a CrossPartitionWriteError. Real writes are out of scope for
// this reader-only package.
func (r *Reader) WriteRestriction(section Section, o int64) error {
	if section == SectionTWLNAND && o <= 0x1BD {
		return &ProtectedRangeError{Offset: o}
	}
	return nil
}

// InvalidHeaderError reports an NCSD header that failed a structural
// check.
type InvalidHeaderError struct {
	Reason string
}

func (e *InvalidHeaderError) Error() string { return "nand: invalid header: " + e.Reason }

// SectionNotPresentError reports a request to open a partition the NAND
// dump does not carry.
type SectionNotPresentError struct {
	Section Section
}

func (e *SectionNotPresentError) Error() string {
	return fmt.Sprintf("nand: section not present: %d", e.Section)
}

// ProtectedRangeError reports a write attempt inside the NCSD-header
// range of the TWL-NAND sub-view, which real hardware silently discards.
type ProtectedRangeError struct {
	Offset int64
}

func (e *ProtectedRangeError) Error() string {
	return fmt.Sprintf("nand: write at offset 0x%x is inside the protected NCSD header range", e.Offset)
}

// CrossPartitionWriteError reports a write whose byte range spans both
// the CTR and TWL partitions of a NAND dump.
type CrossPartitionWriteError struct{}

func (e *CrossPartitionWriteError) Error() string {
	return "nand: write crosses the CTR/TWL partition boundary"
}
