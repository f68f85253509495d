package save

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/connesc/ctrfs/crypto3ds"
)

// CMACScheme knows how to derive the CMAC placed at the start of a DISA
// or DIFF file, given the raw 0x100-byte header. Each concrete scheme
// mirrors one of the magic/keyslot combinations Nintendo uses depending
// on what kind of savedata the container holds.
type CMACScheme interface {
	Generate(eng *crypto3ds.Engine, header []byte) ([16]byte, error)
}

func disaToSav0Digest(header []byte) ([32]byte, error) {
	if len(header) != 0x100 {
		return [32]byte{}, &InvalidHeaderError{What: "DISA", Reason: "header is not 0x100 bytes"}
	}
	if string(header[0:4]) != "DISA" {
		return [32]byte{}, &InvalidHeaderError{What: "DISA", Reason: "magic not found"}
	}
	return sha256.Sum256(append([]byte("CTR-SAV0"), header...)), nil
}

// genCMAC computes AES-CMAC(slot, SHA256(magic || parts...)), matching
// the reference tool's _gen_cmac_internal: the magic and data are hashed
// together first, and only the 32-byte digest is fed to CMAC.
func genCMAC(eng *crypto3ds.Engine, slot crypto3ds.Keyslot, magic string, parts ...[]byte) ([16]byte, error) {
	h := sha256.New()
	h.Write([]byte(magic))
	for _, p := range parts {
		h.Write(p)
	}
	digest := h.Sum(nil)
	return eng.CMAC(slot, digest)
}

// CTRNOR0 is used for gamecard saves.
type CTRNOR0 struct {
	New3DS bool
}

func (c CTRNOR0) Generate(eng *crypto3ds.Engine, header []byte) ([16]byte, error) {
	sav0, err := disaToSav0Digest(header)
	if err != nil {
		return [16]byte{}, err
	}
	slot := crypto3ds.CMACCardSave
	if c.New3DS {
		slot = crypto3ds.CMACCardSaveN
	}
	return genCMAC(eng, slot, "CTR-NOR0", sav0[:])
}

// CTRSIGN is used for SD savegames.
type CTRSIGN struct {
	TitleID [8]byte
}

func (c CTRSIGN) Generate(eng *crypto3ds.Engine, header []byte) ([16]byte, error) {
	sav0, err := disaToSav0Digest(header)
	if err != nil {
		return [16]byte{}, err
	}
	return genCMAC(eng, crypto3ds.CMACSDNAND, "CTR-SIGN", c.TitleID[:], sav0[:])
}

// CTRSYS0 is used for system savedata.
type CTRSYS0 struct {
	SaveID [8]byte
}

func (c CTRSYS0) Generate(eng *crypto3ds.Engine, header []byte) ([16]byte, error) {
	return genCMAC(eng, crypto3ds.CMACSDNAND, "CTR-SYS0", c.SaveID[:], header)
}

// CTREXT0 is used for extdata.
type CTREXT0 struct {
	ExtdataID               [8]byte
	IsQuota                 bool
	DeviceFileNameID        uint32
	DeviceDirectoryNameID   uint32
}

func (c CTREXT0) Generate(eng *crypto3ds.Engine, diff []byte) ([16]byte, error) {
	var isQuota, fileID, dirID [4]byte
	if c.IsQuota {
		isQuota[0] = 1
	}
	binary.LittleEndian.PutUint32(fileID[:], c.DeviceFileNameID)
	binary.LittleEndian.PutUint32(dirID[:], c.DeviceDirectoryNameID)
	return genCMAC(eng, crypto3ds.CMACSDNAND, "CTR-EXT0", c.ExtdataID[:], isQuota[:], fileID[:], dirID[:], diff)
}

// CTR9DB0 is used for title databases.
type CTR9DB0 struct {
	DatabaseID uint32
	IsNAND     bool
}

func (c CTR9DB0) Generate(eng *crypto3ds.Engine, diff []byte) ([16]byte, error) {
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], c.DatabaseID)
	slot := crypto3ds.CMACSDNAND
	if c.IsNAND {
		slot = crypto3ds.CMACNANDDB
	}
	return genCMAC(eng, slot, "CTR-9DB0", id[:], diff)
}
