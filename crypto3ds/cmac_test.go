package crypto3ds

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test vectors from RFC 4493 section 4, using its AES-128 example key.
func TestCMACRFC4493Vectors(t *testing.T) {
	key := hex16("2B7E151628AED2A6ABF7158809CF4F3C")

	tests := []struct {
		name string
		msg  string
		mac  string
	}{
		{
			name: "empty message",
			msg:  "",
			mac:  "bb1d6929e95937287fa37d129b756746",
		},
		{
			name: "one block",
			msg:  "6bc1bee22e409f96e93d7e117393172a",
			mac:  "070a16b46b4d4144f79bdd9dd04a287c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := hex.DecodeString(tt.msg)
			require.NoError(t, err)

			want, err := hex.DecodeString(tt.mac)
			require.NoError(t, err)
			var wantMAC [16]byte
			copy(wantMAC[:], want)

			got, err := CMAC(key, msg)
			require.NoError(t, err)
			assert.Equal(t, wantMAC, got)
		})
	}
}

func TestVerifyCMAC(t *testing.T) {
	key := hex16("2B7E151628AED2A6ABF7158809CF4F3C")
	msg := []byte("some message body")

	mac, err := CMAC(key, msg)
	require.NoError(t, err)

	ok, err := VerifyCMAC(key, msg, mac)
	require.NoError(t, err)
	assert.True(t, ok)

	mac[0] ^= 0xFF
	ok, err = VerifyCMAC(key, msg, mac)
	require.NoError(t, err)
	assert.False(t, ok)
}
