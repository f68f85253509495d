package save

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"testing"

	"github.com/connesc/ctrfs/crypto3ds"
)

// buildDIFFPartitionRaw returns the raw bytes of a partition region containing
// a one-block DPFS/IVFC tree whose level 4 payload is the given 16 bytes,
// laid out so that both the DPFS level 1 and level 2 bitmaps select the
// second physical half at every level.
func buildDIFFPartitionRaw(payload [16]byte) []byte {
	lv1 := []byte{0x00, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00}
	lv2 := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80}
	lv3 := make([]byte, 32)
	copy(lv3[0:16], bytes.Repeat([]byte{'X'}, 16))
	copy(lv3[16:32], payload[:])

	raw := make([]byte, 0, 48)
	raw = append(raw, lv1...)
	raw = append(raw, lv2...)
	raw = append(raw, lv3...)
	return raw
}

func buildDIFF(t *testing.T, payload [16]byte) []byte {
	t.Helper()

	difi := DIFI{
		IVFCOffset:     0x44,
		IVFCSize:       0x78,
		DPFSOffset:     0xBC,
		DPFSSize:       0x50,
		PartHashOffset: 0x10C,
		PartHashSize:   0,
	}
	ivfc := IVFC{
		Lv4:            LevelData{Offset: 0, Size: 16, BlockSizeLog2: 4},
		DescriptorSize: 0x78,
	}
	dpfs := DPFS{
		Lv1: LevelData{Offset: 0x00, Size: 4, BlockSizeLog2: 2},
		Lv2: LevelData{Offset: 0x08, Size: 4, BlockSizeLog2: 2},
		Lv3: LevelData{Offset: 0x10, Size: 16, BlockSizeLog2: 4},
	}

	desc := make([]byte, 0x10C)
	copy(desc, difi.Bytes())
	copy(desc[0x44:], ivfc.Bytes())
	copy(desc[0xBC:], dpfs.Bytes())

	partitionRaw := buildDIFFPartitionRaw(payload)

	const descOffset = 0x200
	partitionOffset := int64(descOffset + len(desc))
	total := int(partitionOffset) + len(partitionRaw)

	file := make([]byte, total)
	copy(file[descOffset:], desc)
	copy(file[partitionOffset:], partitionRaw)

	descHash := sha256.Sum256(desc)

	header := make([]byte, 0x100)
	copy(header[0:8], diffMagic)
	binary.LittleEndian.PutUint64(header[0x8:0x10], uint64(descOffset)) // secondary, unused
	binary.LittleEndian.PutUint64(header[0x10:0x18], uint64(descOffset))
	binary.LittleEndian.PutUint64(header[0x18:0x20], uint64(len(desc)))
	binary.LittleEndian.PutUint64(header[0x20:0x28], uint64(partitionOffset))
	binary.LittleEndian.PutUint64(header[0x28:0x30], uint64(len(partitionRaw)))
	binary.LittleEndian.PutUint32(header[0x30:0x34], 0) // active_partdesc = primary
	copy(header[0x34:0x54], descHash[:])
	binary.LittleEndian.PutUint64(header[0x54:0x5C], 0xC0FFEE)

	copy(file[0x100:0x200], header)
	return file
}

func TestOpenDIFFReadsPayload(t *testing.T) {
	var payload [16]byte
	copy(payload[:], "HELLO SAVE DATA!")

	file := buildDIFF(t, payload)
	d, err := OpenDIFF(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("OpenDIFF: %v", err)
	}

	r := d.Partition.OpenPayload(false)
	got := make([]byte, 16)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(got, payload[:]) {
		t.Fatalf("payload = %q, want %q", got, payload[:])
	}
}

func TestOpenDIFFRejectsBadMagic(t *testing.T) {
	var payload [16]byte
	file := buildDIFF(t, payload)
	file[0x100] = 'X'

	if _, err := OpenDIFF(bytes.NewReader(file)); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestOpenDIFFRejectsCorruptDescriptorHash(t *testing.T) {
	var payload [16]byte
	file := buildDIFF(t, payload)
	file[0x200] ^= 0xFF // corrupt the descriptor without updating its hash

	if _, err := OpenDIFF(bytes.NewReader(file)); err == nil {
		t.Fatal("expected corrupt partition error")
	}
}

func TestCTR9DB0Generate(t *testing.T) {
	eng := crypto3ds.NewEngine()
	eng.SetKeyslot(crypto3ds.KeyNormal, crypto3ds.CMACSDNAND, [16]byte{0x30})
	scheme := CTR9DB0{DatabaseID: 1, IsNAND: false}

	header := make([]byte, 0x100)
	copy(header[0:8], diffMagic)

	mac1, err := scheme.Generate(eng, header)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	mac2, err := scheme.Generate(eng, header)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if mac1 != mac2 {
		t.Fatal("Generate is not deterministic")
	}

	other := CTR9DB0{DatabaseID: 2, IsNAND: false}
	mac3, err := other.Generate(eng, header)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if mac1 == mac3 {
		t.Fatal("different database ids produced the same CMAC")
	}
}
