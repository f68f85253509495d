package cdn

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTMDFile(t *testing.T, dir string, titleID uint64, contentID uint32, contentType uint16, size uint64) string {
	t.Helper()
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

	path := filepath.Join(dir, "tmd")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestOpenPlainContentWithDecryptedTitlekey(t *testing.T) {
	dir := t.TempDir()

	ncchHeader := make([]byte, 0x200)
	copy(ncchHeader[0x100:0x104], "NCCH")
	ncchHeader[0x188+7] = 0x04 // no-crypto

	titleID := uint64(0x0004000000012345)
	tmdPath := buildTMDFile(t, dir, titleID, 0, 0 /* not encrypted */, uint64(len(ncchHeader)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000"), ncchHeader, 0o644))

	eng := crypto3ds.NewEngine()
	r, err := Open(tmdPath, eng, WithDecryptedTitlekey([16]byte{}))
	require.NoError(t, err)
	assert.Equal(t, titleID, r.TMD.TitleID)
	require.Contains(t, r.Contents, uint16(0))
	require.NoError(t, r.Contents[0].Err)
	assert.NotNil(t, r.Contents[0].Reader)
}

func TestOpenMarksMissingContentNotFatal(t *testing.T) {
	dir := t.TempDir()
	titleID := uint64(0x0004000000054321)
	tmdPath := buildTMDFile(t, dir, titleID, 0, 0, 0x200)

	eng := crypto3ds.NewEngine()
	r, err := Open(tmdPath, eng, WithDecryptedTitlekey([16]byte{}))
	require.NoError(t, err)
	require.Contains(t, r.Contents, uint16(0))
	assert.Error(t, r.Contents[0].Err)
	var notFound *ContentNotFoundError
	assert.ErrorAs(t, r.Contents[0].Err, &notFound)
}

func TestOpenWithoutContentsSkipsNCCHParsing(t *testing.T) {
	dir := t.TempDir()
	ncchHeader := make([]byte, 0x200)
	copy(ncchHeader[0x100:0x104], "NCCH")

	titleID := uint64(0x0004000000099999)
	tmdPath := buildTMDFile(t, dir, titleID, 0, 0, uint64(len(ncchHeader)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000"), ncchHeader, 0o644))

	eng := crypto3ds.NewEngine()
	r, err := Open(tmdPath, eng, WithDecryptedTitlekey([16]byte{}), WithoutContents())
	require.NoError(t, err)
	require.Contains(t, r.Contents, uint16(0))
	assert.NoError(t, r.Contents[0].Err)
	assert.Nil(t, r.Contents[0].Reader)
}

func TestFindContentFileTriesUppercase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000000A"), []byte{1}, 0o644))
	path, ok := findContentFile(dir, 0xA)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "0000000A"), path)
}
