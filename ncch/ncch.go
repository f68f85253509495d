// Package ncch parses the Nintendo CTR Content Header, the per-content
// container format used by CIA, CCI, and CDN titles, and exposes its
// ExHeader, Logo, Plain, ExeFS, and RomFS regions as correctly-keyed
// sub-views.
package ncch

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/connesc/ctrfs/ioutil"
)

const headerSize = 0x200

// region tags mixed into the per-region CTR counter.
const (
	regionExHeader byte = 0x01
	regionExeFS    byte = 0x02
	regionRomFS    byte = 0x03
)

const (
	flagFixedKey byte = 0x01
	flagNoCrypto byte = 0x04
	flagUsesSeed byte = 0x20
)

// Region describes one byte range within an NCCH, relative to the start of
// the NCCH's own header (offset 0 is the signature).
type Region struct {
	Offset int64
	Size   int64
}

func (r Region) empty() bool { return r.Size == 0 }

// Header is the parsed fixed-size NCCH header.
type Header struct {
	ProgramID   uint64
	PartitionID uint64
	ProductCode string
	Flags       [8]byte
	ContentSize int64

	ExHeader Region
	Logo     Region
	Plain    Region
	ExeFS    Region
	RomFS    Region

	exefsHeaderRegion Region // first 0x200 bytes of ExeFS, keyed with the primary slot
}

// Reader exposes an NCCH's regions as correctly-keyed sub-views over base.
// base's offset 0 is the start of the NCCH (its signature), matching the
// convention used when an NCCH is opened standalone; callers embedding an
// NCCH inside a CCI/CIA content pass a Section already anchored at the
// content's start.
type Reader struct {
	Header Header

	base io.ReaderAt
	eng  *crypto3ds.Engine

	primarySlot   crypto3ds.Keyslot
	secondarySlot crypto3ds.Keyslot
	noCrypto      bool
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	seed *[16]byte
}

// WithSeed supplies the NCCH's seed directly instead of looking it up in
// the engine's seed database by program id.
func WithSeed(seed [16]byte) Option {
	return func(c *openConfig) { c.seed = &seed }
}

// Open parses the 0x200-byte NCCH header from base and prepares the
// per-region ciphers. eng is cloned so mutating this NCCH's keyslots (e.g.
// installing a seeded KeyY) never affects the caller's engine or sibling
// NCCH readers in the same container.
func Open(base io.ReaderAt, eng *crypto3ds.Engine, opts ...Option) (*Reader, error) {
	cfg := &openConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var raw [headerSize]byte
	if _, err := io.NewSectionReader(base, 0, headerSize).ReadAt(raw[:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("ncch: read header: %w", err)
	}

	if string(raw[0x100:0x104]) != "NCCH" {
		return nil, &InvalidHeaderError{Reason: "missing NCCH magic"}
	}

	h := Header{
		PartitionID: binary.LittleEndian.Uint64(raw[0x108:0x110]),
		ProgramID:   binary.LittleEndian.Uint64(raw[0x118:0x120]),
		ProductCode: trimNulString(raw[0x150:0x160]),
		ContentSize: int64(binary.LittleEndian.Uint32(raw[0x104:0x108])) * 0x200,
	}
	copy(h.Flags[:], raw[0x188:0x190])

	unitBytes := int64(0x200) << (h.Flags[6] & 1)

	region := func(off, sizeOff int) Region {
		offset := int64(binary.LittleEndian.Uint32(raw[off:off+4])) * unitBytes
		size := int64(binary.LittleEndian.Uint32(raw[sizeOff:sizeOff+4])) * unitBytes
		return Region{Offset: offset, Size: size}
	}
	h.ExHeader = Region{Offset: headerSize, Size: int64(binary.LittleEndian.Uint32(raw[0x180:0x184])) * 2}
	h.Logo = region(0x198, 0x19C)
	h.Plain = region(0x190, 0x194)
	h.ExeFS = region(0x1A0, 0x1A4)
	h.RomFS = region(0x1B0, 0x1B4)
	h.exefsHeaderRegion = Region{Offset: h.ExeFS.Offset, Size: headerSize}

	eng = eng.Clone()

	primary, secondary, noCrypto, err := setupKeyslots(eng, h, raw[:0x100])
	if err != nil {
		return nil, err
	}

	if !noCrypto && h.Flags[7]&flagUsesSeed != 0 {
		seed, err := resolveSeed(eng, cfg, h.ProgramID)
		if err != nil {
			return nil, err
		}
		primaryY, ok := eng.KeyY(primary)
		if !ok {
			return nil, &InvalidHeaderError{Reason: "primary keyslot has no KeyY to seed from"}
		}
		derived := crypto3ds.DeriveSeededKeyY(primaryY, h.ProgramID, seed)
		eng.SetKeyslot(crypto3ds.KeyY, secondary, derived)
	}

	return &Reader{
		Header:        h,
		base:          base,
		eng:           eng,
		primarySlot:   primary,
		secondarySlot: secondary,
		noCrypto:      noCrypto,
	}, nil
}

func trimNulString(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func resolveSeed(eng *crypto3ds.Engine, cfg *openConfig, programID uint64) ([16]byte, error) {
	if cfg.seed != nil {
		return *cfg.seed, nil
	}
	return eng.SeedDB().Get(programID)
}

// setupKeyslots picks the primary/secondary keyslots for h and, unless the
// title uses a fixed key or no crypto at all, loads their KeyY from the
// NCCH's own RSA-2048 signature (the first 0x10 bytes, per the retail key
// scrambler convention).
func setupKeyslots(eng *crypto3ds.Engine, h Header, signature []byte) (primary, secondary crypto3ds.Keyslot, noCrypto bool, err error) {
	if h.Flags[7]&flagNoCrypto != 0 {
		return crypto3ds.NCCH, crypto3ds.NCCH, true, nil
	}

	if h.Flags[7]&flagFixedKey != 0 {
		slot := crypto3ds.ZeroKey
		if isSystemTitle(h.ProgramID) {
			slot = crypto3ds.FixedSystemKey
		}
		return slot, slot, false, nil
	}

	primary = crypto3ds.NCCH
	secondary = pickSecondarySlot(h.Flags[3])

	var keyY [16]byte
	copy(keyY[:], signature[:16])
	eng.SetKeyslot(crypto3ds.KeyY, primary, keyY)
	if secondary != primary {
		eng.SetKeyslot(crypto3ds.KeyY, secondary, keyY)
	}

	return primary, secondary, false, nil
}

func pickSecondarySlot(cryptoMethod byte) crypto3ds.Keyslot {
	switch cryptoMethod {
	case 1:
		return crypto3ds.NCCH70
	case 10:
		return crypto3ds.NCCH93
	case 11:
		return crypto3ds.NCCH96
	default:
		return crypto3ds.NCCH
	}
}

// isSystemTitle mirrors the teacher's own ncch.go convention: system titles
// carry bit 0x10 set in the high word of their title id.
func isSystemTitle(programID uint64) bool {
	return (programID>>32)&0x10 != 0
}

func regionCounter(programID uint64, tag byte) [16]byte {
	var ctr [16]byte
	binary.BigEndian.PutUint64(ctr[:8], programID)
	ctr[8] = tag
	return ctr
}

// openRegion returns a plaintext view of r, decrypting with slot unless the
// NCCH carries the no-crypto flag.
func (n *Reader) openRegion(r Region, slot crypto3ds.Keyslot, tag byte) (io.Reader, error) {
	if r.empty() {
		return nil, &RegionNotPresentError{}
	}
	sr := io.NewSectionReader(n.base, r.Offset, r.Size)
	if n.noCrypto {
		return sr, nil
	}
	ctr := regionCounter(n.Header.ProgramID, tag)
	return n.eng.NewCTRReader(slot, ctr, sr)
}

// OpenExHeader returns the 0x800-byte (when present) extended header,
// decrypted with the primary keyslot.
func (n *Reader) OpenExHeader() (io.Reader, error) {
	return n.openRegion(n.Header.ExHeader, n.primarySlot, regionExHeader)
}

// OpenLogo returns the (always plaintext) logo region, when present.
func (n *Reader) OpenLogo() (io.Reader, error) {
	if n.Header.Logo.empty() {
		return nil, &RegionNotPresentError{}
	}
	return io.NewSectionReader(n.base, n.Header.Logo.Offset, n.Header.Logo.Size), nil
}

// OpenPlain returns the (always plaintext) plain region, when present.
func (n *Reader) OpenPlain() (io.Reader, error) {
	if n.Header.Plain.empty() {
		return nil, &RegionNotPresentError{}
	}
	return io.NewSectionReader(n.base, n.Header.Plain.Offset, n.Header.Plain.Size), nil
}

// OpenRomFS returns the RomFS region, decrypted with the secondary keyslot.
func (n *Reader) OpenRomFS() (io.Reader, error) {
	return n.openRegion(n.Header.RomFS, n.secondarySlot, regionRomFS)
}

// OpenExeFS returns a logical plaintext view of the whole ExeFS region: the
// first 0x200-byte header block decrypted with the primary keyslot,
// concatenated with the remainder (holding .code and friends) decrypted
// with the secondary keyslot. Both streams share one CTR counter base, so
// the second stream's counter is advanced by the number of 16-byte blocks
// the header consumed.
func (n *Reader) OpenExeFS() (io.Reader, error) {
	if n.Header.ExeFS.empty() {
		return nil, &RegionNotPresentError{}
	}
	if n.noCrypto {
		return io.NewSectionReader(n.base, n.Header.ExeFS.Offset, n.Header.ExeFS.Size), nil
	}

	exefsSection := io.NewSectionReader(n.base, n.Header.ExeFS.Offset, n.Header.ExeFS.Size)
	ctr := regionCounter(n.Header.ProgramID, regionExeFS)

	headerPlain, err := n.eng.NewCTRSectionReader(n.primarySlot, ctr, exefsSection, 0, headerSize)
	if err != nil {
		return nil, err
	}

	restSize := n.Header.ExeFS.Size - headerSize
	if restSize <= 0 {
		return headerPlain, nil
	}
	restPlain, err := n.eng.NewCTRSectionReader(n.secondarySlot, ctr, exefsSection, headerSize, restSize)
	if err != nil {
		return nil, err
	}

	headerSeeker := io.NewSectionReader(readerAtOf(headerPlain, headerSize), 0, headerSize)
	restSeeker := io.NewSectionReader(readerAtOf(restPlain, restSize), 0, restSize)
	return ioutil.NewConcatReader(
		[]io.ReadSeeker{headerSeeker, restSeeker},
		[]int64{headerSize, restSize},
	), nil
}

// readerAtOf buffers r fully into memory and returns an io.ReaderAt over
// it. Both ExeFS sub-streams are small (0x200 bytes for the header; .code
// is typically well under a megabyte), so this trades a bounded allocation
// for a simple ReadSeeker-based ConcatReader instead of a bespoke
// dual-cipher io.ReaderAt.
func readerAtOf(r io.Reader, size int64) io.ReaderAt {
	buf := make([]byte, size)
	io.ReadFull(r, buf)
	return sliceReaderAt(buf)
}

type sliceReaderAt []byte

func (s sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s)) {
		return 0, io.EOF
	}
	n := copy(p, s[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// InvalidHeaderError reports a header that failed a structural check.
type InvalidHeaderError struct {
	Reason string
}

func (e *InvalidHeaderError) Error() string {
	return "ncch: invalid header: " + e.Reason
}

// RegionNotPresentError reports a request to open a region the NCCH does
// not carry.
type RegionNotPresentError struct{}

func (e *RegionNotPresentError) Error() string { return "ncch: region not present" }
