package cci

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/connesc/ctrfs/crypto3ds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildCCI(t *testing.T, mediaID [8]byte, partitions map[int][]byte) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	buf.Write(bytes.Repeat([]byte{0}, 0x100)) // leading RSA signature, unused here

	header := make([]byte, 0x200)
	copy(header[0x0:0x4], "NCSD")
	for i := 0; i < 8; i++ {
		header[0x8+i] = mediaID[7-i]
	}

	dataStart := int64(0x1600) // past Header/CardInfo/DevInfo, media-unit aligned
	offsets := make([]int64, 8)
	var trailer bytes.Buffer
	cursor := dataStart
	for idx := 0; idx < 8; idx++ {
		data, ok := partitions[idx]
		if !ok {
			continue
		}
		offsets[idx] = cursor
		binary.LittleEndian.PutUint32(header[0x20+idx*8:0x24+idx*8], uint32(cursor/defaultMediaUnit))
		binary.LittleEndian.PutUint32(header[0x24+idx*8:0x28+idx*8], uint32(len(data)/defaultMediaUnit))
		trailer.Write(data)
		cursor += int64(len(data))
	}

	buf.Write(header)
	buf.Write(bytes.Repeat([]byte{0}, int(dataStart)-buf.Len()))
	buf.Write(trailer.Bytes())
	return buf.Bytes()
}

func TestOpenRejectsBadMagic(t *testing.T) {
	raw := make([]byte, 0x1600)
	_, err := Open(bytes.NewReader(raw), crypto3ds.NewEngine())
	var badHeader *InvalidHeaderError
	assert.ErrorAs(t, err, &badHeader)
}

func TestOpenRejectsZeroMediaID(t *testing.T) {
	raw := buildCCI(t, [8]byte{}, nil)
	_, err := Open(bytes.NewReader(raw), crypto3ds.NewEngine())
	var badHeader *InvalidHeaderError
	assert.ErrorAs(t, err, &badHeader)
}

func TestOpenParsesApplicationPartition(t *testing.T) {
	ncchHeader := make([]byte, 0x200)
	copy(ncchHeader[0x100:0x104], "NCCH")
	ncchHeader[0x188+7] = 0x04 // no-crypto

	raw := buildCCI(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, map[int][]byte{
		0: append(ncchHeader, bytes.Repeat([]byte{0}, defaultMediaUnit-len(ncchHeader))...),
	})

	r, err := Open(bytes.NewReader(raw), crypto3ds.NewEngine())
	require.NoError(t, err)
	require.Contains(t, r.Contents, SectionApplication)
	assert.NotNil(t, r.Contents[SectionApplication])
}

func TestOpenSkipsMissingPartitions(t *testing.T) {
	raw := buildCCI(t, [8]byte{9, 9, 9, 9, 9, 9, 9, 9}, nil)
	r, err := Open(bytes.NewReader(raw), crypto3ds.NewEngine())
	require.NoError(t, err)
	assert.Empty(t, r.Contents)
	assert.Contains(t, r.Sections, SectionHeader)
	assert.Contains(t, r.Sections, SectionCardInfo)
	assert.Contains(t, r.Sections, SectionDevInfo)
}

func TestOpenRawSectionUnknownSection(t *testing.T) {
	raw := buildCCI(t, [8]byte{1, 1, 1, 1, 1, 1, 1, 1}, nil)
	r, err := Open(bytes.NewReader(raw), crypto3ds.NewEngine())
	require.NoError(t, err)

	_, err = r.OpenRawSection(SectionApplication)
	var notPresent *SectionNotPresentError
	assert.ErrorAs(t, err, &notPresent)
}

func TestOpenRawSectionHeader(t *testing.T) {
	raw := buildCCI(t, [8]byte{1, 1, 1, 1, 1, 1, 1, 1}, nil)
	r, err := Open(bytes.NewReader(raw), crypto3ds.NewEngine())
	require.NoError(t, err)

	sec, err := r.OpenRawSection(SectionHeader)
	require.NoError(t, err)
	// The Header section starts at the leading RSA signature; the magic
	// sits at 0x100.
	out := make([]byte, 0x104)
	n, err := sec.Read(out)
	require.NoError(t, err)
	require.Equal(t, 0x104, n)
	assert.Equal(t, "NCSD", string(out[0x100:]))
}
