// Package cci reads CTR Cart Image (CCI) files, the container format used
// for game card dumps, exposing each of its 8 partitions as an opened
// NCCH reader.
package cci

import (
	"fmt"
	"io"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/connesc/ctrfs/ncch"
)

const defaultMediaUnit = 0x200

// Section identifies one region of a CCI file. Negative values name
// fixed regions of the CCI itself; 0-7 are the physical partition slots.
type Section int

const (
	SectionHeader   Section = -3
	SectionCardInfo Section = -2
	SectionDevInfo  Section = -1

	SectionApplication        Section = 0
	SectionManual             Section = 1
	SectionDownloadPlayChild  Section = 2
	SectionUpdateNew3DS       Section = 6
	SectionUpdateOld3DS       Section = 7
)

// Region describes one section's byte range within the CCI.
type Region struct {
	Offset int64
	Size   int64
}

// Reader exposes a CCI's partitions.
type Reader struct {
	base    io.ReaderAt
	MediaID [8]byte

	Sections map[Section]Region
	Contents map[Section]*ncch.Reader
}

// Open parses base as a CCI and opens every present partition against a
// clone of eng.
func Open(base io.ReaderAt, eng *crypto3ds.Engine) (*Reader, error) {
	var header [0x200]byte
	if _, err := base.ReadAt(header[:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("cci: read header: %w", err)
	}
	if string(header[0x100:0x104]) != "NCSD" {
		return nil, &InvalidHeaderError{Reason: "missing NCSD magic"}
	}

	var mediaID [8]byte
	for i := 0; i < 8; i++ {
		mediaID[i] = header[0x108+7-i]
	}
	if mediaID == ([8]byte{}) {
		return nil, &InvalidHeaderError{Reason: "media id is zero (looks like a NAND header, not a CCI)"}
	}

	r := &Reader{
		base:     base,
		MediaID:  mediaID,
		Sections: map[Section]Region{},
		Contents: map[Section]*ncch.Reader{},
	}
	r.Sections[SectionHeader] = Region{Offset: 0, Size: 0x200}
	r.Sections[SectionCardInfo] = Region{Offset: 0x200, Size: 0x1000}
	r.Sections[SectionDevInfo] = Region{Offset: 0x1200, Size: 0x300}

	partitionSections := []Section{
		SectionApplication, SectionManual, SectionDownloadPlayChild,
		3, 4, 5, SectionUpdateNew3DS, SectionUpdateOld3DS,
	}

	partRaw := header[0x120:0x160]
	for idx := 0; idx < 8; idx++ {
		info := partRaw[idx*8 : idx*8+8]
		partOffset := int64(le32(info[0:4])) * defaultMediaUnit
		partSize := int64(le32(info[4:8])) * defaultMediaUnit
		if partOffset == 0 {
			continue
		}

		section := partitionSections[idx]
		r.Sections[section] = Region{Offset: partOffset, Size: partSize}

		sub := io.NewSectionReader(base, partOffset, partSize)
		reader, err := ncch.Open(sub, eng)
		if err != nil {
			continue // a malformed partition is skipped, not fatal, matching CIA/CDN tolerance
		}
		r.Contents[section] = reader
	}

	return r, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// OpenRawSection returns a raw (still NCCH-encrypted where applicable)
// reader over section, for callers that want to bypass the NCCH layer
// entirely (e.g. dumping a section's exact bytes).
func (r *Reader) OpenRawSection(section Section) (io.Reader, error) {
	region, ok := r.Sections[section]
	if !ok {
		return nil, &SectionNotPresentError{Section: section}
	}
	return io.NewSectionReader(r.base, region.Offset, region.Size), nil
}

// InvalidHeaderError reports an NCSD header that failed a structural
// check.
type InvalidHeaderError struct {
	Reason string
}

func (e *InvalidHeaderError) Error() string { return "cci: invalid header: " + e.Reason }

// SectionNotPresentError reports a request to open a partition the CCI
// does not carry.
type SectionNotPresentError struct {
	Section Section
}

func (e *SectionNotPresentError) Error() string {
	return fmt.Sprintf("cci: section not present: %d", e.Section)
}
