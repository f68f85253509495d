package crypto3ds

import (
	"crypto/aes"
	"crypto/cipher"
	"log/slog"
	"sync"
)

// Engine emulates the Nintendo 3DS AES engine: a bank of keyslots plus the
// key scrambler used to derive a slot's Normal key from its X and Y
// registers.
//
// An Engine is safe for concurrent use by multiple goroutines as long as no
// goroutine mutates keyslots while another is deriving a cipher from them;
// Clone gives each consumer of a shared Engine an isolated copy to sidestep
// that requirement entirely.
type Engine struct {
	mu sync.RWMutex

	dev bool

	keyX      map[Keyslot][16]byte
	keyY      map[Keyslot][16]byte
	keyNormal map[Keyslot][16]byte

	log *slog.Logger

	b9KeysSet  bool
	otpKeysSet bool

	id0 [16]byte

	seeds *SeedDB
}

// Option configures a new Engine.
type Option func(*Engine)

// WithDevKeys selects the devunit key family instead of retail.
func WithDevKeys() Option {
	return func(e *Engine) { e.dev = true }
}

// WithLogger attaches a structured logger. Parsers stay silent on the happy
// path; this logger only receives Debug/Warn lines for recoverable
// anomalies (see SPEC_FULL.md §2a).
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSeedDB attaches a seed database to use for seeded-NCCH key
// derivation. Defaults to DefaultSeedDB().
func WithSeedDB(db *SeedDB) Option {
	return func(e *Engine) { e.seeds = db }
}

// NewEngine constructs an Engine with the fixed keys (zero key, fixed
// system key, and the base KeyX values for the New3DS NCCH keyslots) that
// don't depend on boot9 or OTP material.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		keyX:      make(map[Keyslot][16]byte),
		keyY:      make(map[Keyslot][16]byte),
		keyNormal: make(map[Keyslot][16]byte),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.seeds == nil {
		e.seeds = DefaultSeedDB()
	}
	e.setFixedKeys()
	return e
}

func (e *Engine) setFixedKeys() {
	e.SetKeyslot(KeyY, TWLNAND, hex16("E1A00005202DDD1DBD4DC4D30AB9DC76"))
	e.SetKeyslot(KeyY, CTRNANDNew, hex16("4D804F4E9990194613A204AC584460BE"))
	e.SetKeyslot(KeyNormal, ZeroKey, [16]byte{})
	e.SetKeyslot(KeyNormal, FixedSystemKey, hex16("527CE630A9CA305F3696F3CDE954194B"))

	baseX := map[Keyslot][2][16]byte{
		NCCH93: {hex16("82E9C9BEBFB8BDB875ECC0A07D474374"), hex16("304BF1468372EE64115EBD4093D84276")},
		NCCH96: {hex16("45AD04953992C7C893724A9A7BCE6182"), hex16("6C8B2944A0726035F941DFC018524FB6")},
		NCCH70: {hex16("CEE7D8AB30C00DAE850EF5E382AC5AF3"), hex16("81907A4B6F1B47323A677974CE4AD71B")},
	}
	for slot, keys := range baseX {
		if e.dev {
			e.SetKeyslot(KeyX, slot, keys[1])
		} else {
			e.SetKeyslot(KeyX, slot, keys[0])
		}
	}
}

// commonKeyY is the table of retail common-key Y values indexed by
// common-key index (0 = eShop, 1 = System, 2-5 of unknown purpose but
// present on hardware).
var commonKeyY = [6][16]byte{
	hex16("D07B337F9CA4385932A2E25723232EB9"),
	hex16("0C767230F0998F1C46828202FAACBE4C"),
	hex16("C475CB3AB8C788BB575E12A10907B8A4"),
	hex16("E486EEE3D0C09C902F6686D4C06F649F"),
	hex16("ED31BA9C04B067506C4497A35B7804FC"),
	hex16("5E66998AB4E8931606850FD7A16DD755"),
}

// devCommonKey0 replaces commonKeyY[0] on devunit engines.
var devCommonKey0 = hex16("55A3F872BDC80C555A654381139E153B")

func hex16(s string) [16]byte {
	var out [16]byte
	var b [16]byte
	n := 0
	hi := true
	var cur byte
	for _, c := range s {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = byte(c - '0')
		case c >= 'A' && c <= 'F':
			v = byte(c-'A') + 10
		case c >= 'a' && c <= 'f':
			v = byte(c-'a') + 10
		default:
			continue
		}
		if hi {
			cur = v << 4
			hi = false
		} else {
			b[n] = cur | v
			n++
			hi = true
		}
	}
	copy(out[:], b[:])
	return out
}

// SetKeyslot stores key in the given register of slot. Setting KeyX or
// KeyY re-derives KeyNormal via the scrambler; setting KeyNormal directly
// overrides any derived value until KeyX or KeyY changes again.
func (e *Engine) SetKeyslot(which KeyKind, slot Keyslot, key [16]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch which {
	case KeyX:
		e.keyX[slot] = key
	case KeyY:
		e.keyY[slot] = key
	case KeyNormal:
		e.keyNormal[slot] = key
		return
	}

	x, hasX := e.keyX[slot]
	y, hasY := e.keyY[slot]
	if hasX && hasY {
		e.keyNormal[slot] = keygen(slot, x, y)
	}
}

// normalKey returns the Normal key for slot, or KeyslotMissingError.
func (e *Engine) normalKey(slot Keyslot) ([16]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.keyNormal[slot]
	if !ok {
		return [16]byte{}, &KeyslotMissingError{Slot: slot, Which: KeyNormal}
	}
	return k, nil
}

// NewECBBlock returns the raw AES block cipher for slot's Normal key.
func (e *Engine) NewECBBlock(slot Keyslot) (cipher.Block, error) {
	key, err := e.normalKey(slot)
	if err != nil {
		return nil, err
	}
	return aes.NewCipher(key[:])
}

// CMAC computes the AES-CMAC of msg under slot's Normal key.
func (e *Engine) CMAC(slot Keyslot, msg []byte) ([16]byte, error) {
	key, err := e.normalKey(slot)
	if err != nil {
		return [16]byte{}, err
	}
	return CMAC(key, msg)
}

// Clone returns an independent copy of the engine's keyslot state, so
// concurrent consumers (e.g. one NCCH reader per CIA content) can mutate
// their own copy without racing each other.
func (e *Engine) Clone() *Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()

	clone := &Engine{
		dev:        e.dev,
		keyX:       make(map[Keyslot][16]byte, len(e.keyX)),
		keyY:       make(map[Keyslot][16]byte, len(e.keyY)),
		keyNormal:  make(map[Keyslot][16]byte, len(e.keyNormal)),
		log:        e.log,
		b9KeysSet:  e.b9KeysSet,
		otpKeysSet: e.otpKeysSet,
		id0:        e.id0,
		seeds:      e.seeds,
	}
	for k, v := range e.keyX {
		clone.keyX[k] = v
	}
	for k, v := range e.keyY {
		clone.keyY[k] = v
	}
	for k, v := range e.keyNormal {
		clone.keyNormal[k] = v
	}
	return clone
}

// ID0 returns the 16 bytes the SD filesystem id0 directory name is formed
// from, derived from the SD KeyY loaded via SetupSDKeyFromMovableSed.
// Returns a KeyslotMissingError for the SD KeyY if no SD key has been
// loaded.
func (e *Engine) ID0() ([16]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.id0 == ([16]byte{}) {
		return [16]byte{}, &KeyslotMissingError{Slot: SD, Which: KeyY}
	}
	return e.id0, nil
}

// SeedDB returns the seed database this engine consults for seeded NCCH
// titles.
func (e *Engine) SeedDB() *SeedDB { return e.seeds }

// KeyY returns the KeyY register of slot, if one has been set.
func (e *Engine) KeyY(slot Keyslot) ([16]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.keyY[slot]
	return k, ok
}

// Dev reports whether this engine uses the devunit key family.
func (e *Engine) Dev() bool { return e.dev }

// Logger returns the engine's structured logger.
func (e *Engine) Logger() *slog.Logger { return e.log }
