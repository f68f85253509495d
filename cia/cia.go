// Package cia reads CIA archives, Nintendo's installable title container
// format, producing a decrypted NCCH reader for each content.
package cia

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/connesc/ctrfs/ioutil"
	"github.com/connesc/ctrfs/ncch"
	"github.com/connesc/ctrfs/tmd"
)

const (
	fixedHeaderSize = 0x2020
	sectionAlign    = 0x40
)

// Content pairs a TMD content-chunk index with its opened NCCH reader.
// Reader is nil when this content could not be opened (a malformed
// content does not fail the whole archive open, per SPEC_FULL.md §7).
type Content struct {
	Index  uint16
	Reader *ncch.Reader
	Err    error
}

// Archive is a parsed, opened CIA.
type Archive struct {
	TMD      *tmd.TMD
	Contents []Content
}

func alignUp(n, align int64) int64 {
	if rem := n % align; rem != 0 {
		return n + (align - rem)
	}
	return n
}

// Open reads a CIA from base (which must support random access) and opens
// each of its contents as an NCCH reader against eng. eng gains the
// archive's titlekey in the DecryptedTitlekey slot as a side effect.
func Open(base io.ReaderAt, eng *crypto3ds.Engine) (*Archive, error) {
	var hdr [fixedHeaderSize]byte
	if _, err := base.ReadAt(hdr[:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("cia: read header: %w", err)
	}

	headerSize := binary.LittleEndian.Uint32(hdr[0x0:0x4])
	if headerSize != fixedHeaderSize {
		return nil, &InvalidHeaderError{Reason: fmt.Sprintf("unexpected header size 0x%x", headerSize)}
	}
	certsSize := int64(binary.LittleEndian.Uint32(hdr[0x8:0xC]))
	ticketSize := int64(binary.LittleEndian.Uint32(hdr[0xC:0x10]))
	tmdSize := int64(binary.LittleEndian.Uint32(hdr[0x10:0x14]))

	// Each section starts at the 64-byte-aligned end of the previous one.
	certsStart := alignUp(fixedHeaderSize, sectionAlign)
	ticketStart := alignUp(certsStart+certsSize, sectionAlign)
	tmdStart := alignUp(ticketStart+ticketSize, sectionAlign)
	contentStart := alignUp(tmdStart+tmdSize, sectionAlign)

	ticketBytes := make([]byte, ticketSize)
	if _, err := base.ReadAt(ticketBytes, ticketStart); err != nil && err != io.EOF {
		return nil, fmt.Errorf("cia: read ticket: %w", err)
	}
	if err := eng.LoadFromTicket(ticketBytes); err != nil {
		return nil, fmt.Errorf("cia: load titlekey: %w", err)
	}

	tmdBytes := make([]byte, tmdSize)
	if _, err := base.ReadAt(tmdBytes, tmdStart); err != nil && err != io.EOF {
		return nil, fmt.Errorf("cia: read tmd: %w", err)
	}
	parsedTMD, err := tmd.Parse(bytes.NewReader(tmdBytes))
	if err != nil {
		return nil, fmt.Errorf("cia: parse tmd: %w", err)
	}

	contentSection := io.NewSectionReader(base, contentStart, 1<<62)

	contents := make([]Content, 0, len(parsedTMD.Contents))
	var offset int64
	for _, c := range parsedTMD.Contents {
		size := int64(c.Size)
		sub := io.NewSectionReader(contentSection, offset, size)
		offset += size

		reader, err := openContent(eng, sub, size, c)
		contents = append(contents, Content{Index: c.Index, Reader: reader, Err: err})
	}

	return &Archive{TMD: parsedTMD, Contents: contents}, nil
}

func openContent(eng *crypto3ds.Engine, sub *io.SectionReader, size int64, c tmd.Content) (*ncch.Reader, error) {
	var contentBase io.ReaderAt = sub
	if c.Encrypted() {
		iv := contentIndexIV(c.Index)
		plain, err := eng.NewCBCReader(crypto3ds.DecryptedTitlekey, iv, sub)
		if err != nil {
			return nil, err
		}
		contentBase, err = ioutil.BufferReaderAt(plain)
		if err != nil {
			return nil, err
		}
	}
	return ncch.Open(contentBase, eng)
}

func contentIndexIV(index uint16) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint16(iv[0:2], index)
	return iv
}

// InvalidHeaderError reports a CIA header that failed a structural check.
type InvalidHeaderError struct {
	Reason string
}

func (e *InvalidHeaderError) Error() string { return "cia: invalid header: " + e.Reason }
