package crypto3ds

// boot9Size is the size of a protected ARM9 bootROM dump (boot9.bin /
// boot9_prot.bin), the source of the retail/dev KeyX values this package
// cannot derive on its own.
const boot9Size = 0x10000

// boot9KeyXOffset gives the byte offset into a boot9 dump of the 16-byte
// KeyX value for one keyslot this package cares about, split by retail/dev.
// These offsets are fixed by the bootROM binary layout and are the same
// across 3DS firmware revisions that ship a given bootROM version.
type boot9KeyXOffset struct {
	slot         Keyslot
	retailOffset int
	devOffset    int
}

// boot9OTPKeyOffset is the offset of the fixed AES key boot9 uses to
// decrypt the OTP directly (no scrambler involved for this one).
const (
	boot9OTPKeyRetailOffset = 0x56E0
	boot9OTPKeyDevOffset    = 0x5730
)

var boot9KeyXOffsets = []boot9KeyXOffset{
	{TWLNAND, 0x5940, 0x5990},
	{CTRNANDOld, 0x59D0, 0x5A20},
	{CTRNANDNew, 0x5A10, 0x5A60},
	{FIRM, 0x5A20, 0x5A70},
	{AGB, 0x5990, 0x59E0},
	{NCCH, 0x59A0, 0x59F0},
	{UDSLocalWLAN, 0x59B0, 0x5A00},
	{StreetPass, 0x59C0, 0x5A10},
	{CardSave, 0x5A50, 0x5AA0},
	{CardSaveNew, 0x5A40, 0x5A90},
	{New3DSKeySector, 0x5A60, 0x5AB0},
}

// SetupFromBoot9 loads the retail or dev KeyX values (per the engine's Dev
// setting) for the fixed keyslots baked into the ARM9 bootROM. b9 must be
// exactly 0x10000 bytes (a full boot9.bin); any other size, including a
// 0x8000-byte boot9_prot.bin, is rejected with InvalidBoot9Error.
func (e *Engine) SetupFromBoot9(b9 []byte) error {
	if len(b9) != boot9Size {
		return &InvalidBoot9Error{Size: len(b9)}
	}

	for _, o := range boot9KeyXOffsets {
		off := o.retailOffset
		if e.dev {
			off = o.devOffset
		}
		var key [16]byte
		copy(key[:], b9[off:off+16])
		e.SetKeyslot(KeyX, o.slot, key)
	}

	otpKeyOffset := boot9OTPKeyRetailOffset
	if e.dev {
		otpKeyOffset = boot9OTPKeyDevOffset
	}
	var otpKey [16]byte
	copy(otpKey[:], b9[otpKeyOffset:otpKeyOffset+16])
	e.SetKeyslot(KeyNormal, Boot9Internal, otpKey)

	e.mu.Lock()
	e.b9KeysSet = true
	e.mu.Unlock()
	return nil
}
