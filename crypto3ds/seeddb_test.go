package crypto3ds

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedDBRoundTrip(t *testing.T) {
	db := NewSeedDB()
	db.Add(0x0004000012345678, hex16("00010203040506070809101112131415"))
	db.Add(0x0004000087654321, hex16("F0F1F2F3F4F5F6F7F8F9FAFBFCFDFEFF"))

	var buf bytes.Buffer
	require.NoError(t, db.SaveTo(&buf))
	assert.Equal(t, seedHeaderSize+2*seedEntrySize, buf.Len())

	loaded := NewSeedDB()
	require.NoError(t, loaded.LoadFrom(bytes.NewReader(buf.Bytes())))

	seed, err := loaded.Get(0x0004000012345678)
	require.NoError(t, err)
	assert.Equal(t, hex16("00010203040506070809101112131415"), seed)
}

func TestSeedDBAddThenSaveGrowsLength(t *testing.T) {
	db := NewSeedDB()
	db.Add(1, [16]byte{1})
	db.Add(2, [16]byte{2})

	var buf bytes.Buffer
	require.NoError(t, db.SaveTo(&buf))
	db.Add(3, [16]byte{3})

	var buf2 bytes.Buffer
	require.NoError(t, db.SaveTo(&buf2))

	assert.Equal(t, seedHeaderSize+3*seedEntrySize, buf2.Len())
}

func TestSeedDBGetMissing(t *testing.T) {
	db := NewSeedDB()
	_, err := db.Get(0xDEAD)
	var notFound *SeedNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDeriveSeededKeyY(t *testing.T) {
	var primary, seed [16]byte
	primary[0] = 0xAA
	seed[0] = 0xBB

	a := DeriveSeededKeyY(primary, 0x0004000012345678, seed)
	b := DeriveSeededKeyY(primary, 0x0004000012345678, seed)
	assert.Equal(t, a, b)

	c := DeriveSeededKeyY(primary, 0x0004000087654321, seed)
	assert.NotEqual(t, a, c)
}
