package crypto3ds

import "fmt"

// KeyslotMissingError is returned when a cipher is requested for a keyslot
// whose required key register has not been set.
type KeyslotMissingError struct {
	Slot  Keyslot
	Which KeyKind
}

func (e *KeyslotMissingError) Error() string {
	return fmt.Sprintf("crypto3ds: keyslot missing: %s key for slot %#02x is not set up", e.Which, uint8(e.Slot))
}

// InvalidOTPError reports an OTP blob that failed magic or length checks.
type InvalidOTPError struct {
	Reason string
}

func (e *InvalidOTPError) Error() string {
	return "crypto3ds: invalid OTP: " + e.Reason
}

// InvalidBoot9Error reports a boot9 dump of the wrong size.
type InvalidBoot9Error struct {
	Size int
}

func (e *InvalidBoot9Error) Error() string {
	return fmt.Sprintf("crypto3ds: invalid boot9 dump: expected 0x10000 bytes, got %#x", e.Size)
}

// SeedNotFoundError reports a program id with no registered seed.
type SeedNotFoundError struct {
	ProgramID uint64
}

func (e *SeedNotFoundError) Error() string {
	return fmt.Sprintf("crypto3ds: seed not found for program id %016x", e.ProgramID)
}

// InvalidSeedError reports a seed of the wrong length, or a seed database
// entry that could not be parsed.
type InvalidSeedError struct {
	Reason string
}

func (e *InvalidSeedError) Error() string {
	return "crypto3ds: invalid seed: " + e.Reason
}

// InvalidMovableSedError reports a movable.sed blob too short to contain
// the SD KeyY.
type InvalidMovableSedError struct {
	Size int
}

func (e *InvalidMovableSedError) Error() string {
	return fmt.Sprintf("crypto3ds: invalid movable.sed: size %#x is too small", e.Size)
}

// TicketLengthError reports a ticket shorter than the minimum this package
// knows how to parse.
type TicketLengthError struct {
	Length int
}

func (e *TicketLengthError) Error() string {
	return fmt.Sprintf("crypto3ds: ticket too short: expected at least 0x2AC bytes, got %#x", e.Length)
}
