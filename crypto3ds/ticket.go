package crypto3ds

import "crypto/cipher"

// minTicketLength is the offset past the fields load_from_ticket needs
// (common key index at 0x1F1) rounded up to the ticket's fixed size.
const minTicketLength = 0x2AC

// LoadEncryptedTitlekey decrypts titlekey using the common key selected by
// commonKeyIndex and stores the result as the DecryptedTitlekey keyslot's
// Normal key. titleID is the 8-byte big-endian title id used to build the
// CBC IV (titleID followed by 8 zero bytes).
func (e *Engine) LoadEncryptedTitlekey(titlekeyEnc [16]byte, commonKeyIndex uint8, titleID [8]byte) error {
	idx := int(commonKeyIndex)
	if idx >= len(commonKeyY) {
		return &InvalidSeedError{Reason: "common key index out of range"}
	}

	keyY := commonKeyY[idx]
	if e.dev && idx == 0 {
		keyY = devCommonKey0
	}
	e.SetKeyslot(KeyY, CommonKey, keyY)

	block, err := e.NewECBBlock(CommonKey)
	if err != nil {
		return err
	}

	var iv [16]byte
	copy(iv[:8], titleID[:])

	var out [16]byte
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out[:], titlekeyEnc[:])

	e.SetKeyslot(KeyNormal, DecryptedTitlekey, out)
	return nil
}

// LoadFromTicket extracts the encrypted titlekey, title id, and common key
// index from a raw ticket blob and loads the decrypted titlekey, the way
// LoadEncryptedTitlekey does directly.
func (e *Engine) LoadFromTicket(ticket []byte) error {
	if len(ticket) < minTicketLength {
		return &TicketLengthError{Length: len(ticket)}
	}

	var titlekeyEnc [16]byte
	copy(titlekeyEnc[:], ticket[0x1BF:0x1CF])

	var titleID [8]byte
	copy(titleID[:], ticket[0x1DC:0x1E4])

	commonKeyIndex := ticket[0x1F1]

	return e.LoadEncryptedTitlekey(titlekeyEnc, commonKeyIndex, titleID)
}
