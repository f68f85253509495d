package crypto3ds

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// seedEntrySize is the on-disk size of one seeddb.bin entry: program id (8),
// seed (16), padding (8).
const (
	seedHeaderSize = 0x10
	seedEntrySize  = 0x20
)

// SeedDB is a title-id-keyed store of the 16-byte seeds used to derive
// seeded-NCCH KeyY values, backed by the seeddb.bin format shared by 3DS
// homebrew tooling.
type SeedDB struct {
	mu    sync.RWMutex
	seeds map[uint64][16]byte
}

// NewSeedDB returns an empty seed database.
func NewSeedDB() *SeedDB {
	return &SeedDB{seeds: make(map[uint64][16]byte)}
}

var (
	defaultSeedDBOnce sync.Once
	defaultSeedDB     *SeedDB
)

// DefaultSeedDB returns the process-wide seed database singleton, creating
// it empty on first call. Callers that want seeds loaded from disk should
// call Load explicitly; there is no implicit filesystem access here.
// Callers that don't want shared process state should use NewSeedDB
// instead.
func DefaultSeedDB() *SeedDB {
	defaultSeedDBOnce.Do(func() {
		defaultSeedDB = NewSeedDB()
	})
	return defaultSeedDB
}

// Get returns the seed registered for programID.
func (s *SeedDB) Get(programID uint64) ([16]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seed, ok := s.seeds[programID]
	if !ok {
		return [16]byte{}, &SeedNotFoundError{ProgramID: programID}
	}
	return seed, nil
}

// Add registers or replaces the seed for programID.
func (s *SeedDB) Add(programID uint64, seed [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds[programID] = seed
}

// Load reads seeds from a seeddb.bin file at path, merging them into the
// database (existing entries for the same program id are overwritten).
func (s *SeedDB) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.LoadFrom(f)
}

// LoadFrom reads seeds from r in the seeddb.bin layout: a little-endian
// u32 count, 12 bytes of padding, then count 0x20-byte entries of
// (program id, seed, padding).
func (s *SeedDB) LoadFrom(r io.Reader) error {
	var header [seedHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return &InvalidSeedError{Reason: "truncated header: " + err.Error()}
	}
	count := binary.LittleEndian.Uint32(header[:4])

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint32(0); i < count; i++ {
		var entry [seedEntrySize]byte
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return &InvalidSeedError{Reason: "truncated entry: " + err.Error()}
		}
		programID := binary.LittleEndian.Uint64(entry[:8])
		var seed [16]byte
		copy(seed[:], entry[8:24])
		s.seeds[programID] = seed
	}
	return nil
}

// Save writes the database to path in the seeddb.bin layout.
func (s *SeedDB) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := s.SaveTo(f); err != nil {
		return err
	}
	return f.Sync()
}

// SaveTo writes the database to w in the seeddb.bin layout.
func (s *SeedDB) SaveTo(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var header [seedHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(s.seeds)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	for programID, seed := range s.seeds {
		var entry [seedEntrySize]byte
		binary.LittleEndian.PutUint64(entry[:8], programID)
		copy(entry[8:24], seed[:])
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}
	return nil
}

// DeriveSeededKeyY computes the secondary KeyY a seeded NCCH uses in place
// of its primary KeyY: SHA-256(primaryKeyY || big-endian program id || seed),
// truncated to 16 bytes.
func DeriveSeededKeyY(primaryKeyY [16]byte, programID uint64, seed [16]byte) [16]byte {
	var programIDBE [8]byte
	binary.BigEndian.PutUint64(programIDBE[:], programID)

	msg := append(append(append([]byte{}, primaryKeyY[:]...), programIDBE[:]...), seed[:]...)
	h := sha256.Sum256(msg)

	var out [16]byte
	copy(out[:], h[:16])
	return out
}

// DefaultSeedDBPath returns the conventional seeddb.bin location under the
// user's 3DS tooling config directory, without checking it exists.
func DefaultSeedDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "seeddb.bin"
	}
	return filepath.Join(home, ".3ds", "seeddb.bin")
}
