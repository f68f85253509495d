// Package romfs reads the RomFS filesystem embedded in an NCCH's RomFS
// region: either an IVFC-wrapped level-3 tree or a bare level-3 tree,
// exposed as a small read-only directory abstraction backed directly by
// the on-disk hash tables (no in-memory tree is built).
package romfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
)

const (
	ivfcMagic       = "IVFC"
	level3HeaderLen = 0x28
	noEntry         = 0xFFFFFFFF
)

// level3Header holds the four offset/size pairs and the file data offset
// describing the level-3 tree, all relative to the start of the level-3 data (not the RomFS
// region as a whole).
type level3Header struct {
	dirHashOffset, dirHashSize   int64
	dirMetaOffset, dirMetaSize   int64
	fileHashOffset, fileHashSize int64
	fileMetaOffset, fileMetaSize int64
	fileDataOffset               int64
}

// Info describes a directory or file entry.
type Info struct {
	Name  string
	IsDir bool
	Size  int64
}

// Reader exposes a RomFS's directory hierarchy and file contents.
type Reader struct {
	base   io.ReaderAt
	header level3Header
}

// Open parses base as a RomFS, auto-detecting the IVFC-wrapped vs bare
// level-3 layout by checking for the "IVFC" magic at offset 0.
func Open(base io.ReaderAt) (*Reader, error) {
	var magic [4]byte
	if _, err := base.ReadAt(magic[:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("romfs: read magic: %w", err)
	}

	level3Base := base
	if string(magic[:]) == ivfcMagic {
		lvl3Off, err := ivfcLevel3Offset(base)
		if err != nil {
			return nil, err
		}
		level3Base = &offsetReaderAt{base: base, offset: lvl3Off}
	}

	var hdr [level3HeaderLen]byte
	if _, err := level3Base.ReadAt(hdr[:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("romfs: read level3 header: %w", err)
	}
	headerLen := int64(binary.LittleEndian.Uint32(hdr[0:4]))

	h := level3Header{
		dirHashOffset:  int64(binary.LittleEndian.Uint32(hdr[4:8])),
		dirHashSize:    int64(binary.LittleEndian.Uint32(hdr[8:12])),
		dirMetaOffset:  int64(binary.LittleEndian.Uint32(hdr[12:16])),
		dirMetaSize:    int64(binary.LittleEndian.Uint32(hdr[16:20])),
		fileHashOffset: int64(binary.LittleEndian.Uint32(hdr[20:24])),
		fileHashSize:   int64(binary.LittleEndian.Uint32(hdr[24:28])),
	}
	// The remaining fields sit past the fixed part read above; re-read a
	// wider header now that headerLen is known to be at least this size.
	var wide [0x28]byte
	n := headerLen
	if n > int64(len(wide)) {
		n = int64(len(wide))
	}
	if _, err := level3Base.ReadAt(wide[:n], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("romfs: read level3 header: %w", err)
	}
	h.fileMetaOffset = int64(binary.LittleEndian.Uint32(wide[28:32]))
	h.fileMetaSize = int64(binary.LittleEndian.Uint32(wide[32:36]))
	h.fileDataOffset = int64(binary.LittleEndian.Uint32(wide[36:40]))

	return &Reader{base: level3Base, header: h}, nil
}

// ivfcLevel3Offset reads an IVFC header and returns the byte offset (from
// the start of the IVFC region) where level-3 data begins: immediately
// after the level-3 hash region, aligned to the level's block size, per
// the standard four-level IVFC layout used across DISA/DIFF/RomFS.
func ivfcLevel3Offset(base io.ReaderAt) (int64, error) {
	var hdr [0x60]byte
	if _, err := base.ReadAt(hdr[:], 0); err != nil && err != io.EOF {
		return 0, fmt.Errorf("romfs: read ivfc header: %w", err)
	}
	masterHashSize := int64(binary.LittleEndian.Uint32(hdr[0x8:0xC]))
	lvl3HashOffset := int64(binary.LittleEndian.Uint64(hdr[0x28:0x30]))
	lvl3HashSize := int64(binary.LittleEndian.Uint64(hdr[0x30:0x38]))
	lvl3BlockLog2 := hdr[0x38]

	dataStart := 0x60 + masterHashSize
	lvl3Start := dataStart + lvl3HashOffset + lvl3HashSize
	blockSize := int64(1) << lvl3BlockLog2
	if rem := lvl3Start % blockSize; rem != 0 {
		lvl3Start += blockSize - rem
	}
	return lvl3Start, nil
}

type offsetReaderAt struct {
	base   io.ReaderAt
	offset int64
}

func (o *offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.base.ReadAt(p, o.offset+off)
}

// dirMetaEntry mirrors the on-disk directory metadata record.
type dirMetaEntry struct {
	parent, sibling, child, fileHead, hashNext uint32
	name                                       string
}

// fileMetaEntry mirrors the on-disk file metadata record.
type fileMetaEntry struct {
	parent, sibling, hashNext uint32
	offset, size              int64
	name                      string
}

func (r *Reader) readDirMeta(offset uint32) (dirMetaEntry, error) {
	var hdr [0x18]byte
	if _, err := r.base.ReadAt(hdr[:], r.header.dirMetaOffset+int64(offset)); err != nil && err != io.EOF {
		return dirMetaEntry{}, err
	}
	nameLen := binary.LittleEndian.Uint32(hdr[0x14:0x18])
	nameBuf := make([]byte, nameLen)
	if nameLen > 0 {
		if _, err := r.base.ReadAt(nameBuf, r.header.dirMetaOffset+int64(offset)+0x18); err != nil && err != io.EOF {
			return dirMetaEntry{}, err
		}
	}
	return dirMetaEntry{
		parent:   binary.LittleEndian.Uint32(hdr[0x0:0x4]),
		sibling:  binary.LittleEndian.Uint32(hdr[0x4:0x8]),
		child:    binary.LittleEndian.Uint32(hdr[0x8:0xC]),
		fileHead: binary.LittleEndian.Uint32(hdr[0xC:0x10]),
		hashNext: binary.LittleEndian.Uint32(hdr[0x10:0x14]),
		name:     decodeUTF16LE(nameBuf),
	}, nil
}

func (r *Reader) readFileMeta(offset uint32) (fileMetaEntry, error) {
	var hdr [0x20]byte
	if _, err := r.base.ReadAt(hdr[:], r.header.fileMetaOffset+int64(offset)); err != nil && err != io.EOF {
		return fileMetaEntry{}, err
	}
	nameLen := binary.LittleEndian.Uint32(hdr[0x1C:0x20])
	nameBuf := make([]byte, nameLen)
	if nameLen > 0 {
		if _, err := r.base.ReadAt(nameBuf, r.header.fileMetaOffset+int64(offset)+0x20); err != nil && err != io.EOF {
			return fileMetaEntry{}, err
		}
	}
	return fileMetaEntry{
		parent:   binary.LittleEndian.Uint32(hdr[0x0:0x4]),
		sibling:  binary.LittleEndian.Uint32(hdr[0x4:0x8]),
		offset:   int64(binary.LittleEndian.Uint64(hdr[0x8:0x10])),
		size:     int64(binary.LittleEndian.Uint64(hdr[0x10:0x18])),
		hashNext: binary.LittleEndian.Uint32(hdr[0x18:0x1C]),
		name:     decodeUTF16LE(nameBuf),
	}, nil
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}

// romfsHash implements the RomFS metadata hash: a simple rolling
// multiplicative hash over UTF-16 code units, seeded with the parent
// directory's own metadata offset.
func romfsHash(parentOffset uint32, name string) uint32 {
	hash := parentOffset ^ 123456789
	for _, r := range utf16.Encode([]rune(name)) {
		hash = (hash >> 5) | (hash << 27)
		hash ^= uint32(r)
	}
	return hash
}

func bucketCount(hashTableSize int64) uint32 {
	n := uint32(hashTableSize / 4)
	if n == 0 {
		return 1
	}
	return n
}

func (r *Reader) hashTableEntry(table string, bucket uint32) (uint32, error) {
	var off int64
	switch table {
	case "dir":
		off = r.header.dirHashOffset + int64(bucket)*4
	case "file":
		off = r.header.fileHashOffset + int64(bucket)*4
	}
	var buf [4]byte
	if _, err := r.base.ReadAt(buf[:], off); err != nil && err != io.EOF {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// findChildDir lowercases name and looks it up among parentOffset's child
// directories using the chained directory hash table, returning the
// directory's metadata offset. findChildFile does the same for files.
func (r *Reader) findChildDir(parentOffset uint32, name string) (uint32, bool, error) {
	lower := strings.ToLower(name)
	buckets := bucketCount(r.header.dirHashSize)
	hash := romfsHash(parentOffset, lower) % buckets
	cur, err := r.hashTableEntry("dir", hash)
	if err != nil {
		return 0, false, err
	}
	for cur != noEntry {
		e, err := r.readDirMeta(cur)
		if err != nil {
			return 0, false, err
		}
		if e.parent == parentOffset && strings.EqualFold(e.name, lower) {
			return cur, true, nil
		}
		cur = e.hashNext
	}
	return 0, false, nil
}

func (r *Reader) findChildFile(parentOffset uint32, name string) (uint32, bool, error) {
	lower := strings.ToLower(name)
	buckets := bucketCount(r.header.fileHashSize)
	hash := romfsHash(parentOffset, lower) % buckets
	cur, err := r.hashTableEntry("file", hash)
	if err != nil {
		return 0, false, err
	}
	for cur != noEntry {
		e, err := r.readFileMeta(cur)
		if err != nil {
			return 0, false, err
		}
		if e.parent == parentOffset && strings.EqualFold(e.name, lower) {
			return cur, true, nil
		}
		cur = e.hashNext
	}
	return 0, false, nil
}

// resolve walks path component by component using the hash tables,
// returning the final directory offset and, if the last component names a
// file, its file metadata offset.
func (r *Reader) resolve(path string) (dirOffset uint32, fileOffset uint32, isFile bool, err error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return 0, 0, false, nil
	}
	parts := strings.Split(path, "/")

	cur := uint32(0)
	for i, part := range parts {
		last := i == len(parts)-1
		if dirOff, ok, derr := r.findChildDir(cur, part); derr == nil && ok {
			cur = dirOff
			continue
		} else if derr != nil {
			return 0, 0, false, derr
		}
		if !last {
			return 0, 0, false, &NotFoundError{Path: path}
		}
		fileOff, ok, ferr := r.findChildFile(cur, part)
		if ferr != nil {
			return 0, 0, false, ferr
		}
		if !ok {
			return 0, 0, false, &NotFoundError{Path: path}
		}
		return cur, fileOff, true, nil
	}
	return cur, 0, false, nil
}

// Stat resolves path and returns its Info.
func (r *Reader) Stat(path string) (Info, error) {
	_, fileOff, isFile, err := r.resolve(path)
	if err != nil {
		return Info{}, err
	}
	name := path[strings.LastIndex(path, "/")+1:]
	if isFile {
		e, err := r.readFileMeta(fileOff)
		if err != nil {
			return Info{}, err
		}
		return Info{Name: name, Size: e.size}, nil
	}
	return Info{Name: name, IsDir: true}, nil
}

// Open returns a seekable reader over path's file contents.
func (r *Reader) Open(path string) (io.ReadSeeker, error) {
	_, fileOff, isFile, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	if !isFile {
		return nil, &NotFoundError{Path: path}
	}
	e, err := r.readFileMeta(fileOff)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(r.base, r.header.fileDataOffset+e.offset, e.size), nil
}

// ReadDir lists the immediate children of path.
func (r *Reader) ReadDir(path string) ([]Info, error) {
	dirOff, _, isFile, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	if isFile {
		return nil, &NotFoundError{Path: path}
	}

	dir, err := r.readDirMeta(dirOff)
	if err != nil {
		return nil, err
	}

	var out []Info
	for child := dir.child; child != noEntry; {
		e, err := r.readDirMeta(child)
		if err != nil {
			return nil, err
		}
		out = append(out, Info{Name: e.name, IsDir: true})
		child = e.sibling
	}
	for file := dir.fileHead; file != noEntry; {
		e, err := r.readFileMeta(file)
		if err != nil {
			return nil, err
		}
		out = append(out, Info{Name: e.name, Size: e.size})
		file = e.sibling
	}
	return out, nil
}

// NotFoundError reports a path with no matching directory or file entry.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("romfs: not found: %q", e.Path) }
