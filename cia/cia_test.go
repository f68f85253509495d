package cia

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMinimalTMD(t *testing.T, titleID uint64, contentSize uint64, contentType uint16) []byte {
	t.Helper()
	sigLen := int64(0x140) // signature type 0x10004
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
	binary.BigEndian.PutUint32(chunk[0x0:0x4], 0)
	binary.BigEndian.PutUint16(chunk[0x4:0x6], 0)
	binary.BigEndian.PutUint16(chunk[0x6:0x8], contentType)
	binary.BigEndian.PutUint64(chunk[0x8:0x10], contentSize)

	infoRecords := raw[sigLen+headerLen : sigLen+headerLen+int64(infoCount)*int64(infoLen)]
	info0 := infoRecords[0:infoLen]
	binary.BigEndian.PutUint16(info0[0x2:0x4], 1)
	chunkHash := sha256.Sum256(chunk)
	copy(info0[0x4:0x24], chunkHash[:])

	infoHash := sha256.Sum256(infoRecords)
	copy(header[0xA4:0xC4], infoHash[:])

	return raw
}

func padTo(b []byte, align int) []byte {
	if rem := len(b) % align; rem != 0 {
		b = append(b, make([]byte, align-rem)...)
	}
	return b
}

// retailCommonKeyY0 mirrors crypto3ds's own unexported common-key table
// entry 0, so this test can pre-derive the same CommonKey Normal key that
// LoadFromTicket will (re-)derive internally when Open runs.
var retailCommonKeyY0 = [16]byte{
	0xD0, 0x7B, 0x33, 0x7F, 0x9C, 0xA4, 0x38, 0x59,
	0x32, 0xA2, 0xE2, 0x57, 0x23, 0x23, 0x2E, 0xB9,
}

// buildTicket produces a minimal 0x2AC-byte ticket encrypting titlekey
// under common key slot 0 (index 0), for titleID. It installs an
// arbitrary KeyX for the CommonKey slot on eng so the Normal key it
// derives here matches what Open's internal LoadFromTicket call re-derives
// (same KeyX, same well-known KeyY).
func buildTicket(t *testing.T, eng *crypto3ds.Engine, titlekey [16]byte, titleID uint64) []byte {
	t.Helper()
	ticket := make([]byte, 0x2AC)

	eng.SetKeyslot(crypto3ds.KeyX, crypto3ds.CommonKey, [16]byte{1, 2, 3, 4})
	eng.SetKeyslot(crypto3ds.KeyY, crypto3ds.CommonKey, retailCommonKeyY0)

	block, err := eng.NewECBBlock(crypto3ds.CommonKey)
	require.NoError(t, err)
	var iv [16]byte
	binary.BigEndian.PutUint64(iv[:8], titleID)
	enc := make([]byte, 16)
	cbcEncrypt(block, iv, titlekey[:], enc)

	copy(ticket[0x1BF:0x1CF], enc)
	binary.BigEndian.PutUint64(ticket[0x1DC:0x1E4], titleID)
	ticket[0x1F1] = 0
	return ticket
}

func cbcEncrypt(block interface{ Encrypt(dst, src []byte) }, iv [16]byte, src, dst []byte) {
	prev := iv
	for i := 0; i < 16; i++ {
		src[i] ^= prev[i]
	}
	block.Encrypt(dst, src)
}

func TestOpenPlainContentNoTicketCrypto(t *testing.T) {
	eng := crypto3ds.NewEngine()

	// Build an NCCH content that carries the no-crypto flag, so ncch.Open
	// doesn't need real per-content key material.
	ncchHeader := make([]byte, 0x200)
	copy(ncchHeader[0x100:0x104], "NCCH")
	ncchHeader[0x188+7] = 0x04 // no-crypto flag

	titleID := uint64(0x0004000000005678)
	tmdBytes := buildMinimalTMD(t, titleID, uint64(len(ncchHeader)), 0 /* not encrypted */)

	var titlekey [16]byte
	ticketBytes := buildTicket(t, eng, titlekey, titleID)

	header := make([]byte, fixedHeaderSize)
	binary.LittleEndian.PutUint32(header[0x0:0x4], fixedHeaderSize)
	binary.LittleEndian.PutUint32(header[0x8:0xC], 0)
	binary.LittleEndian.PutUint32(header[0xC:0x10], uint32(len(ticketBytes)))
	binary.LittleEndian.PutUint32(header[0x10:0x14], uint32(len(tmdBytes)))

	buf := &bytes.Buffer{}
	buf.Write(padTo(header, sectionAlign))
	buf.Write(padTo(append([]byte{}, ticketBytes...), sectionAlign))
	buf.Write(padTo(append([]byte{}, tmdBytes...), sectionAlign))
	buf.Write(ncchHeader)

	full := buf.Bytes()
	archive, err := Open(bytes.NewReader(full), eng)
	require.NoError(t, err)
	assert.Equal(t, titleID, archive.TMD.TitleID)
	require.Len(t, archive.Contents, 1)
	require.NoError(t, archive.Contents[0].Err)
	require.NotNil(t, archive.Contents[0].Reader)
}

func TestOpenRejectsBadHeaderSize(t *testing.T) {
	header := make([]byte, fixedHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], 0x1234)
	_, err := Open(bytes.NewReader(header), crypto3ds.NewEngine())
	var badHeader *InvalidHeaderError
	assert.ErrorAs(t, err, &badHeader)
}

func TestOpenMarksMalformedContentNilNotFatal(t *testing.T) {
	eng := crypto3ds.NewEngine()

	titleID := uint64(0x0004000000009999)
	tmdBytes := buildMinimalTMD(t, titleID, 0x200, 0)

	var titlekey [16]byte
	ticketBytes := buildTicket(t, eng, titlekey, titleID)

	header := make([]byte, fixedHeaderSize)
	binary.LittleEndian.PutUint32(header[0x0:0x4], fixedHeaderSize)
	binary.LittleEndian.PutUint32(header[0x8:0xC], 0)
	binary.LittleEndian.PutUint32(header[0xC:0x10], uint32(len(ticketBytes)))
	binary.LittleEndian.PutUint32(header[0x10:0x14], uint32(len(tmdBytes)))

	buf := &bytes.Buffer{}
	buf.Write(padTo(header, sectionAlign))
	buf.Write(padTo(append([]byte{}, ticketBytes...), sectionAlign))
	buf.Write(padTo(append([]byte{}, tmdBytes...), sectionAlign))
	buf.Write(bytes.Repeat([]byte{0}, 0x200)) // garbage, not a valid NCCH header

	archive, err := Open(bytes.NewReader(buf.Bytes()), eng)
	require.NoError(t, err)
	require.Len(t, archive.Contents, 1)
	assert.Error(t, archive.Contents[0].Err)
	assert.Nil(t, archive.Contents[0].Reader)
}
