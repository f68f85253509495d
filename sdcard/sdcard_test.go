package sdcard

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngineWithSDKey(t *testing.T) *crypto3ds.Engine {
	t.Helper()
	eng := crypto3ds.NewEngine()
	// The SD KeyX normally comes from boot9; a test value stands in for it.
	eng.SetKeyslot(crypto3ds.KeyX, crypto3ds.SD, [16]byte{0x34})
	sed := make([]byte, 0x120)
	copy(sed[0x110:0x120], bytes.Repeat([]byte{0x42}, 16))
	require.NoError(t, eng.SetupSDKeyFromMovableSed(sed))
	return eng
}

// writeSDEncrypted encrypts plaintext as it would appear on disk at
// relPath (forward-slash separated, relative to the id1 root) and
// writes it to fsPath.
func writeSDEncrypted(t *testing.T, eng *crypto3ds.Engine, relPath, fsPath string, plaintext []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(fsPath), 0o755))

	iv := crypto3ds.SDPathToIV("/" + relPath)
	var out bytes.Buffer
	w, err := eng.NewCTRWriter(crypto3ds.SD, iv, &out)
	require.NoError(t, err)
	_, err = w.Write(plaintext)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(fsPath, out.Bytes(), 0o644))
}

func buildTMDBytes(titleID uint64, contentID uint32, contentType uint16, size uint64) []byte {
	sigLen := int64(0x140)
	headerLen := int64(0xC4)
	infoCount := 64
	infoLen := 0x24
	chunkLen := 0x30

	raw := make([]byte, sigLen+headerLen+int64(infoCount)*int64(infoLen)+int64(chunkLen))
	binary.BigEndian.PutUint32(raw[0:4], 0x10004)

	header := raw[sigLen : sigLen+headerLen]
	binary.BigEndian.PutUint64(header[0x4C:0x54], titleID)
	binary.BigEndian.PutUint16(header[0x9C:0x9E], 1)
	binary.BigEndian.PutUint16(header[0x9E:0xA0], 1)

	chunkStart := sigLen + headerLen + int64(infoCount)*int64(infoLen)
	chunk := raw[chunkStart : chunkStart+int64(chunkLen)]
	binary.BigEndian.PutUint32(chunk[0x0:0x4], contentID)
	binary.BigEndian.PutUint16(chunk[0x4:0x6], 0)
	binary.BigEndian.PutUint16(chunk[0x6:0x8], contentType)
	binary.BigEndian.PutUint64(chunk[0x8:0x10], size)

	infoRecords := raw[sigLen+headerLen : sigLen+headerLen+int64(infoCount)*int64(infoLen)]
	info0 := infoRecords[0:infoLen]
	binary.BigEndian.PutUint16(info0[0x2:0x4], 1)
	chunkHash := sha256.Sum256(chunk)
	copy(info0[0x4:0x24], chunkHash[:])

	infoHash := sha256.Sum256(infoRecords)
	copy(header[0xA4:0xC4], infoHash[:])

	return raw
}

func TestOpenResolvesID0AndID1(t *testing.T) {
	eng := newEngineWithSDKey(t)
	id0Bytes, err := eng.ID0()
	require.NoError(t, err)
	id0 := hex.EncodeToString(id0Bytes[:])

	base := t.TempDir()
	id1 := "00112233445566778899aabbccddeeff"[:32]
	require.NoError(t, os.MkdirAll(filepath.Join(base, id0, id1), 0o755))

	root, err := Open(base, eng)
	require.NoError(t, err)
	assert.Equal(t, id0, root.ID0())
	assert.Equal(t, []string{id1}, root.ID1s())
}

func TestOpenRejectsMissingID0(t *testing.T) {
	eng := newEngineWithSDKey(t)
	base := t.TempDir()

	_, err := Open(base, eng)
	var missing *MissingID0Error
	require.ErrorAs(t, err, &missing)
}

func TestSDOpenDecryptsFile(t *testing.T) {
	eng := newEngineWithSDKey(t)
	id0Bytes, _ := eng.ID0()
	id0 := hex.EncodeToString(id0Bytes[:])
	id1 := "11112222333344445555666677778888"

	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, id0, id1), 0o755))

	plaintext := []byte("hello from the SD card")
	writeSDEncrypted(t, eng, "private/movable.dat", filepath.Join(base, id0, id1, "private", "movable.dat"), plaintext)

	root, err := Open(base, eng)
	require.NoError(t, err)

	r, err := root.Open("private/movable.dat", "")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSDOpenRejectsDSiWarePaths(t *testing.T) {
	eng := newEngineWithSDKey(t)
	id0Bytes, _ := eng.ID0()
	id0 := hex.EncodeToString(id0Bytes[:])
	id1 := "22223333444455556666777788889999"

	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, id0, id1), 0o755))

	root, err := Open(base, eng)
	require.NoError(t, err)

	_, err = root.Open("Nintendo DSiWare/foo.dat", "")
	var unsupported *UnsupportedDSiWareError
	require.ErrorAs(t, err, &unsupported)
}

func TestOpenTitlePicksSmallestNumericTMDAndSkipsMissingContent(t *testing.T) {
	eng := newEngineWithSDKey(t)
	id0Bytes, _ := eng.ID0()
	id0 := hex.EncodeToString(id0Bytes[:])
	id1 := "33334444555566667777888899990000"

	base := t.TempDir()
	titleID := uint64(0x0004000000012345)
	contentDir := filepath.Join("title", "00040000", "00012345", "content")

	tmdBytes := buildTMDBytes(titleID, 0, 0, 0x200)
	writeSDEncrypted(t, eng, contentDir+"/00000000.tmd",
		filepath.Join(base, id0, id1, filepath.FromSlash(contentDir), "00000000.tmd"), tmdBytes)
	writeSDEncrypted(t, eng, contentDir+"/00000001.tmd",
		filepath.Join(base, id0, id1, filepath.FromSlash(contentDir), "00000001.tmd"), tmdBytes)

	root, err := Open(base, eng)
	require.NoError(t, err)

	title, err := root.OpenTitle(titleID, id1)
	require.NoError(t, err)
	assert.Equal(t, titleID, title.TMD.TitleID)
	assert.Empty(t, title.Contents) // content 00000000.app was never written
}
