// Package sdcard reads the encrypted "Nintendo 3DS" directory tree an
// SD card carries alongside a console's NAND: the id0/id1 layout, its
// per-file AES-CTR encryption keyed off each file's own path, and the
// title directories stored underneath it.
package sdcard

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/connesc/ctrfs/ioutil"
	"github.com/connesc/ctrfs/ncch"
	"github.com/connesc/ctrfs/tmd"
)

// SDRoot is an opened "Nintendo 3DS" directory: a single id0 (matching
// the console's SD KeyY) containing one or more id1 directories.
type SDRoot struct {
	eng *crypto3ds.Engine

	basePath   string // .../Nintendo 3DS
	id0        string
	id1s       []string
	currentID1 string
}

// Open resolves the id0 directory under basePath (the "Nintendo 3DS"
// folder) that matches eng's configured SD KeyY, and enumerates its id1
// directories. eng must already have its SD key set up, e.g. via
// SetupSDKeyFromMovableSed.
func Open(basePath string, eng *crypto3ds.Engine) (*SDRoot, error) {
	id0Bytes, err := eng.ID0()
	if err != nil {
		return nil, &MissingMovableSedError{}
	}
	id0 := hex.EncodeToString(id0Bytes[:])

	id0Path := filepath.Join(basePath, id0)
	info, err := os.Stat(id0Path)
	if err != nil || !info.IsDir() {
		return nil, &MissingID0Error{ID0: id0}
	}

	entries, err := os.ReadDir(id0Path)
	if err != nil {
		return nil, err
	}

	var id1s []string
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) != 32 {
			continue
		}
		if _, err := hex.DecodeString(e.Name()); err != nil {
			continue
		}
		id1s = append(id1s, e.Name())
	}
	if len(id1s) == 0 {
		return nil, &MissingID1Error{ID0: id0}
	}
	sort.Strings(id1s)

	return &SDRoot{
		eng:        eng,
		basePath:   basePath,
		id0:        id0,
		id1s:       id1s,
		currentID1: id1s[0],
	}, nil
}

// ID0 returns the resolved id0 directory name.
func (r *SDRoot) ID0() string { return r.id0 }

// ID1s returns every id1 directory found under id0.
func (r *SDRoot) ID1s() []string { return r.id1s }

func normalizeSDPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimLeft(p, "/")
}

func (r *SDRoot) realPath(relPath, id1 string) string {
	if id1 == "" {
		id1 = r.currentID1
	}
	return filepath.Join(r.basePath, r.id0, id1, filepath.FromSlash(relPath))
}

// Open decrypts and returns a reader over the file at relPath, relative
// to the id1 directory root. Files under "Nintendo DSiWare" use a
// different encryption scheme this package does not implement.
func (r *SDRoot) Open(relPath string, id1 string) (io.ReadCloser, error) {
	relPath = normalizeSDPath(relPath)
	if strings.HasPrefix(relPath, "Nintendo DSiWare") {
		return nil, &UnsupportedDSiWareError{Path: relPath}
	}

	f, err := os.Open(r.realPath(relPath, id1))
	if err != nil {
		return nil, err
	}

	iv := crypto3ds.SDPathToIV("/" + relPath)
	dec, err := r.eng.NewCTRReader(crypto3ds.SD, iv, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return readCloser{Reader: dec, closer: f}, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error { return r.closer.Close() }

// ListDir lists the entries of a directory under the id1 root.
func (r *SDRoot) ListDir(relPath string, id1 string) ([]string, error) {
	entries, err := os.ReadDir(r.realPath(normalizeSDPath(relPath), id1))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// SDTitle is an SD-card title assembled from a directory of NCCH
// content files, mirroring the CIA-like assembly of §4.6 but sourced
// from the SD tree's per-title content directory instead of a CIA
// archive's content records.
type SDTitle struct {
	TMD      *tmd.TMD
	Contents map[uint16]*ncch.Reader
}

// OpenTitle locates the tmd for titleID under
// title/<high>/<low>/content, preferring the smallest numeric filename
// prefix when more than one tmd is present (an in-progress download
// leaves an older tmd behind), and assembles an SDTitle from the NCCH
// contents alongside it. Missing individual content files are skipped
// rather than treated as fatal, matching the reference tool's own
// tolerance for partially-downloaded titles.
func (r *SDRoot) OpenTitle(titleID uint64, id1 string) (*SDTitle, error) {
	high := uint32(titleID >> 32)
	low := uint32(titleID)
	contentDir := path.Join("title", fmt.Sprintf("%08x", high), fmt.Sprintf("%08x", low), "content")

	names, err := r.ListDir(contentDir, id1)
	if err != nil {
		return nil, &MissingTitleError{TitleID: titleID}
	}

	var tmdNames []string
	for _, n := range names {
		if strings.HasSuffix(strings.ToLower(n), ".tmd") {
			tmdNames = append(tmdNames, n)
		}
	}
	if len(tmdNames) == 0 {
		return nil, &MissingTitleError{TitleID: titleID}
	}
	sort.Slice(tmdNames, func(i, j int) bool {
		return tmdPrefix(tmdNames[i]) < tmdPrefix(tmdNames[j])
	})

	tmdFile, err := r.Open(path.Join(contentDir, tmdNames[0]), id1)
	if err != nil {
		return nil, err
	}
	defer tmdFile.Close()

	parsed, err := tmd.Parse(tmdFile)
	if err != nil {
		return nil, fmt.Errorf("sdcard: parse tmd: %w", err)
	}

	title := &SDTitle{TMD: parsed, Contents: map[uint16]*ncch.Reader{}}
	for _, c := range parsed.Contents {
		contentPath := path.Join(contentDir, fmt.Sprintf("%08x.app", c.ID))
		f, err := r.Open(contentPath, id1)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		base, err := ioutil.BufferReaderAt(f)
		f.Close()
		if err != nil {
			return nil, err
		}

		nr, err := ncch.Open(base, r.eng)
		if err != nil {
			continue
		}
		title.Contents[c.Index] = nr
	}

	return title, nil
}

func tmdPrefix(name string) int {
	base := name[:len(name)-len(filepath.Ext(name))]
	n, err := strconv.ParseInt(base, 16, 64)
	if err != nil {
		return 1<<31 - 1
	}
	return int(n)
}

// MissingMovableSedError reports that eng has no SD KeyY configured.
type MissingMovableSedError struct{}

func (e *MissingMovableSedError) Error() string {
	return "sdcard: engine has no SD key set up (call SetupSDKeyFromMovableSed first)"
}

// MissingID0Error reports that no id0 directory matching the engine's
// derived id0 exists under the SD root.
type MissingID0Error struct{ ID0 string }

func (e *MissingID0Error) Error() string { return "sdcard: missing id0 directory: " + e.ID0 }

// MissingID1Error reports that an id0 directory has no id1 children.
type MissingID1Error struct{ ID0 string }

func (e *MissingID1Error) Error() string {
	return "sdcard: no id1 directories found under id0 " + e.ID0
}

// MissingTitleError reports that no tmd could be found for a title id.
type MissingTitleError struct{ TitleID uint64 }

func (e *MissingTitleError) Error() string {
	return fmt.Sprintf("sdcard: no title found for id %016x", e.TitleID)
}

// UnsupportedDSiWareError reports an attempt to open a path under
// "Nintendo DSiWare", which uses an encryption scheme this package does
// not implement.
type UnsupportedDSiWareError struct{ Path string }

func (e *UnsupportedDSiWareError) Error() string {
	return "sdcard: DSiWare export encryption is not supported: " + e.Path
}
