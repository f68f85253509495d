package crypto3ds

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"strings"
	"unicode/utf16"
)

const movableSedMinSize = 0x120

// SetupSDKeyFromMovableSed loads the SD KeyY from a movable.sed dump and
// computes this console's id0, the directory name under which its SD
// filesystem tree is stored.
func (e *Engine) SetupSDKeyFromMovableSed(sed []byte) error {
	if len(sed) < movableSedMinSize {
		return &InvalidMovableSedError{Size: len(sed)}
	}

	var keyY [16]byte
	copy(keyY[:], sed[0x110:0x120])
	e.SetKeyslot(KeyY, SD, keyY)

	sum := sha256.Sum256(keyY[:])

	e.mu.Lock()
	copy(e.id0[:], sum[:16])
	e.mu.Unlock()
	return nil
}

// SDPathToIV computes the CTR IV used to encrypt the file at the given SD
// filesystem path (forward-slash separated, case-insensitive, relative to
// the id1 title directory root). Paths under /backup are remapped to their
// /title/<high>/<low>/data equivalent before hashing, matching the way the
// console's title database rewrites DSiWare export paths.
func SDPathToIV(path string) [16]byte {
	path = strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
	path = remapBackupPath(path)

	utf16le := encodeUTF16LE(path)
	utf16le = append(utf16le, 0, 0)

	sum := sha256.Sum256(utf16le)

	hi := new(big.Int).SetBytes(sum[:16])
	lo := new(big.Int).SetBytes(sum[16:])
	iv := new(big.Int).Xor(hi, lo)

	var out [16]byte
	b := iv.Bytes()
	copy(out[16-len(b):], b)
	return out
}

func remapBackupPath(path string) string {
	const prefix = "/backup"
	if !strings.HasPrefix(path, prefix) || len(path) <= 28 {
		return path
	}
	rest := path[len(prefix):]
	if len(rest) < 16 {
		return path
	}
	high := rest[:8]
	low := rest[8:16]
	tail := rest[16:]
	return "/title/" + strings.ToUpper(high) + "/" + strings.ToUpper(low) + "/data" + tail
}

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}
