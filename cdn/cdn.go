// Package cdn reads titles laid out the way Nintendo's Content Delivery
// Network ships them: a directory holding a tmd file, a cetk ticket, and
// one content file per chunk record, named by the record's hex content id.
package cdn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/connesc/ctrfs/ioutil"
	"github.com/connesc/ctrfs/ncch"
	"github.com/connesc/ctrfs/tmd"
)

// Section names a CDN content directory entry. Negative values name the
// ticket and TMD themselves; non-negative values are content indexes.
type Section int

const (
	SectionTicket Section = -2
	SectionTMD    Section = -1
)

// Content pairs a TMD chunk record with its opened NCCH reader, following
// the same per-content error tolerance as cia.Content: a missing or
// malformed content file does not fail the whole directory open.
type Content struct {
	Index  uint16
	Reader *ncch.Reader
	Err    error
}

// Reader is an opened CDN title directory.
type Reader struct {
	TMD      *tmd.TMD
	Contents map[uint16]Content
	root     string
	tmdPath  string
}

type openConfig struct {
	decryptedTitlekey *[16]byte
	encryptedTitlekey *[16]byte
	commonKeyIndex    uint8
	loadContents      bool
}

// Option configures Open.
type Option func(*openConfig)

// WithDecryptedTitlekey uses key directly instead of reading a cetk
// ticket from the title directory.
func WithDecryptedTitlekey(key [16]byte) Option {
	return func(c *openConfig) { c.decryptedTitlekey = &key }
}

// WithEncryptedTitlekey decrypts key using commonKeyIndex instead of
// reading a cetk ticket from the title directory.
func WithEncryptedTitlekey(key [16]byte, commonKeyIndex uint8) Option {
	return func(c *openConfig) {
		c.encryptedTitlekey = &key
		c.commonKeyIndex = commonKeyIndex
	}
}

// WithoutContents skips opening each content as an NCCH reader, leaving
// only Contents[i].Err populated on failure to locate the file. Useful
// when the caller wants to open each content itself with a private
// crypto3ds.Engine, via OpenRawSection.
func WithoutContents() Option {
	return func(c *openConfig) { c.loadContents = false }
}

// Open reads the title whose tmd file lives at tmdPath. Content files and
// the cetk ticket, when needed, are read from tmdPath's directory. eng
// gains the title's decrypted titlekey as a side effect.
func Open(tmdPath string, eng *crypto3ds.Engine, opts ...Option) (*Reader, error) {
	cfg := &openConfig{loadContents: true}
	for _, opt := range opts {
		opt(cfg)
	}

	tmdBytes, err := os.ReadFile(tmdPath)
	if err != nil {
		return nil, fmt.Errorf("cdn: read tmd: %w", err)
	}
	parsedTMD, err := tmd.Parse(bytes.NewReader(tmdBytes))
	if err != nil {
		return nil, fmt.Errorf("cdn: parse tmd: %w", err)
	}

	titleRoot := filepath.Dir(tmdPath)

	switch {
	case cfg.decryptedTitlekey != nil:
		eng.SetKeyslot(crypto3ds.KeyNormal, crypto3ds.DecryptedTitlekey, *cfg.decryptedTitlekey)
	case cfg.encryptedTitlekey != nil:
		var titleID [8]byte
		binary.BigEndian.PutUint64(titleID[:], parsedTMD.TitleID)
		if err := eng.LoadEncryptedTitlekey(*cfg.encryptedTitlekey, cfg.commonKeyIndex, titleID); err != nil {
			return nil, fmt.Errorf("cdn: load encrypted titlekey: %w", err)
		}
	default:
		ticketBytes, err := os.ReadFile(filepath.Join(titleRoot, "cetk"))
		if err != nil {
			return nil, fmt.Errorf("cdn: read cetk: %w", err)
		}
		if err := eng.LoadFromTicket(ticketBytes); err != nil {
			return nil, fmt.Errorf("cdn: load titlekey: %w", err)
		}
	}

	r := &Reader{TMD: parsedTMD, Contents: map[uint16]Content{}, root: titleRoot, tmdPath: tmdPath}
	for _, c := range parsedTMD.Contents {
		path, ok := findContentFile(titleRoot, c.ID)
		if !ok {
			r.Contents[c.Index] = Content{Index: c.Index, Err: &ContentNotFoundError{ID: c.ID}}
			continue
		}

		if !cfg.loadContents {
			r.Contents[c.Index] = Content{Index: c.Index}
			continue
		}

		reader, err := openContentFile(eng, path, c)
		r.Contents[c.Index] = Content{Index: c.Index, Reader: reader, Err: err}
	}

	return r, nil
}

func openContentFile(eng *crypto3ds.Engine, path string, c tmd.Content) (*ncch.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var base io.ReaderAt = f
	if c.Encrypted() {
		var iv [16]byte
		binary.BigEndian.PutUint16(iv[0:2], c.Index)
		plain, err := eng.NewCBCReader(crypto3ds.DecryptedTitlekey, iv, f)
		if err != nil {
			return nil, err
		}
		base, err = ioutil.BufferReaderAt(plain)
		if err != nil {
			return nil, err
		}
	} else {
		buffered, err := ioutil.BufferReaderAt(f)
		if err != nil {
			return nil, err
		}
		base = buffered
	}

	return ncch.Open(base, eng)
}

// findContentFile locates a content file named by id's 8-digit hex form,
// trying both lowercase and uppercase, the way real CDN dumps vary.
func findContentFile(root string, id uint32) (string, bool) {
	name := fmt.Sprintf("%08x", id)
	for _, candidate := range []string{name, strings.ToUpper(name)} {
		path := filepath.Join(root, candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// OpenRawSection opens the raw (encrypted, where applicable) ticket or
// TMD file from the title directory, for callers that want the bytes
// without cdn.Open's parsing.
func (r *Reader) OpenRawSection(section Section) (io.ReadCloser, error) {
	switch section {
	case SectionTicket:
		return os.Open(filepath.Join(r.root, "cetk"))
	case SectionTMD:
		return os.Open(r.tmdPath)
	default:
		return nil, &SectionNotPresentError{Section: section}
	}
}

// ContentNotFoundError reports a TMD chunk record whose content file is
// missing from the title directory.
type ContentNotFoundError struct {
	ID uint32
}

func (e *ContentNotFoundError) Error() string {
	return fmt.Sprintf("cdn: content %08x not found", e.ID)
}

// SectionNotPresentError reports a request for a fixed section CDN
// doesn't recognize.
type SectionNotPresentError struct {
	Section Section
}

func (e *SectionNotPresentError) Error() string {
	return fmt.Sprintf("cdn: section not present: %d", e.Section)
}
