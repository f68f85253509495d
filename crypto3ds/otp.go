package crypto3ds

import (
	"bytes"
	"crypto/sha256"
	"io"
)

const (
	otpSize  = 0x100
	otpMagic = "OTP "
)

// SetupFromOTP decrypts a console's OTP dump and derives the console-unique
// NAND CTR/TWL keyslots from it. SetupFromBoot9 must have been called
// first: OTP decryption uses the fixed OTP key that SetupFromBoot9 loads as
// the Normal key of the Boot9Internal keyslot.
func (e *Engine) SetupFromOTP(otp []byte) error {
	if len(otp) != otpSize {
		return &InvalidOTPError{Reason: "expected 0x100 bytes"}
	}

	e.mu.RLock()
	ready := e.b9KeysSet
	e.mu.RUnlock()
	if !ready {
		return &KeyslotMissingError{Slot: Boot9Internal, Which: KeyNormal}
	}

	var iv [16]byte
	copy(iv[:], otp[:16])

	stream, err := e.NewCTRReader(Boot9Internal, iv, bytes.NewReader(otp[16:]))
	if err != nil {
		return err
	}
	dec := make([]byte, otpSize-16)
	if _, err := io.ReadFull(stream, dec); err != nil {
		return err
	}

	if string(dec[:len(otpMagic)]) != otpMagic {
		return &InvalidOTPError{Reason: "magic mismatch"}
	}

	// Console-unique key material lives right after the magic and device
	// id fields; derive the NAND family keys with the documented
	// SHA-256(consoleUnique || purpose) chain.
	consoleUnique := dec[0x10:0x20]

	deriveAndSet := func(slot Keyslot, purpose byte) {
		h := sha256.New()
		h.Write(consoleUnique)
		h.Write([]byte{purpose})
		sum := h.Sum(nil)
		var key [16]byte
		copy(key[:], sum[:16])
		e.SetKeyslot(KeyY, slot, key)
	}

	deriveAndSet(TWLNAND, 0x00)
	deriveAndSet(CTRNANDOld, 0x01)
	deriveAndSet(CTRNANDNew, 0x02)
	deriveAndSet(FIRM, 0x03)
	deriveAndSet(AGB, 0x04)

	e.mu.Lock()
	e.otpKeysSet = true
	e.mu.Unlock()
	return nil
}
