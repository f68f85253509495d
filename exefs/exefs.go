// Package exefs reads the ExeFS container embedded in an NCCH's ExeFS
// region: a fixed 10-entry file table followed by per-file SHA-256 hashes,
// then the file contents themselves.
package exefs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	headerSize  = 0x200
	entryCount  = 10
	entrySize   = 0x10
	hashSize    = 0x20
	entryTable  = 0
	hashTable   = 0xC0
	maxNameSize = 8
)

// Entry describes one file stored in an ExeFS.
type Entry struct {
	Name   string
	Offset uint32 // relative to end of the 0x200-byte header
	Size   uint32
	Hash   [hashSize]byte
}

// Reader parses an ExeFS header and exposes each entry's decrypted bytes
// via Open. The underlying stream must support random access (an
// io.ReaderAt), since NCCH hands ExeFS a decrypted concatenated view built
// from two differently-keyed cipher sections.
type Reader struct {
	base    io.ReaderAt
	entries []Entry
}

// Open parses the ExeFS header from base. base must expose at least
// headerSize + the largest entry's offset+size bytes.
func Open(base io.ReaderAt) (*Reader, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(base, 0, headerSize), header[:]); err != nil {
		return nil, fmt.Errorf("exefs: read header: %w", err)
	}

	entries := make([]Entry, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		raw := header[entryTable+i*entrySize : entryTable+(i+1)*entrySize]
		name := string(bytes.TrimRight(raw[:maxNameSize], "\x00"))
		if name == "" {
			continue
		}
		offset := binary.LittleEndian.Uint32(raw[maxNameSize:])
		size := binary.LittleEndian.Uint32(raw[maxNameSize+4:])

		// Hashes are stored in reverse entry order.
		hashOff := hashTable + (entryCount-1-i)*hashSize
		var hash [hashSize]byte
		copy(hash[:], header[hashOff:hashOff+hashSize])

		entries = append(entries, Entry{Name: name, Offset: offset, Size: size, Hash: hash})
	}

	return &Reader{base: base, entries: entries}, nil
}

// Entries returns the parsed file table, in header order.
func (r *Reader) Entries() []Entry { return r.entries }

// Stat returns the Entry for name, or an error if it's not present.
func (r *Reader) Stat(name string) (Entry, error) {
	for _, e := range r.entries {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("exefs: no such file: %q", name)
}

// OpenFile returns a reader over the raw (still possibly LZSS-compressed, in
// the case of .code) bytes of the named file.
func (r *Reader) OpenFile(name string) (io.Reader, error) {
	e, err := r.Stat(name)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(r.base, headerSize+int64(e.Offset), int64(e.Size)), nil
}

// VerifyHash reports whether data hashes to the entry's recorded SHA-256.
func (e Entry) VerifyHash(data []byte) bool {
	sum := sha256.Sum256(data)
	return sum == e.Hash
}
