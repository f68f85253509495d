package save

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"testing"
)

func buildDISASingle(t *testing.T, payload [16]byte) []byte {
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

	const tableOffset = 0x200
	partitionOffset := int64(tableOffset + len(desc))
	total := int(partitionOffset) + len(partitionRaw)

	file := make([]byte, total)
	copy(file[tableOffset:], desc)
	copy(file[partitionOffset:], partitionRaw)

	tableHash := sha256.Sum256(desc)

	header := make([]byte, 0x100)
	copy(header[0:8], disaMagic)
	binary.LittleEndian.PutUint32(header[0x8:0xC], 1) // partition count
	binary.LittleEndian.PutUint64(header[0x10:0x18], uint64(tableOffset))
	binary.LittleEndian.PutUint64(header[0x18:0x20], uint64(tableOffset))
	binary.LittleEndian.PutUint64(header[0x20:0x28], uint64(len(desc)))
	binary.LittleEndian.PutUint64(header[0x28:0x30], 0)
	binary.LittleEndian.PutUint64(header[0x30:0x38], uint64(len(desc)))
	binary.LittleEndian.PutUint64(header[0x38:0x40], 0)
	binary.LittleEndian.PutUint64(header[0x40:0x48], 0)
	binary.LittleEndian.PutUint64(header[0x48:0x50], uint64(partitionOffset))
	binary.LittleEndian.PutUint64(header[0x50:0x58], uint64(len(partitionRaw)))
	binary.LittleEndian.PutUint64(header[0x58:0x60], 0)
	binary.LittleEndian.PutUint64(header[0x60:0x68], 0)
	header[0x68] = 0 // primary table active
	copy(header[0x6C:0x8C], tableHash[:])

	copy(file[0x100:0x200], header)
	return file
}

func TestOpenDISAReadsSinglePartitionPayload(t *testing.T) {
	var payload [16]byte
	copy(payload[:], "SAVEGAME BYTES!!")

	file := buildDISASingle(t, payload)
	d, err := OpenDISA(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("OpenDISA: %v", err)
	}
	if len(d.Partitions) != 1 {
		t.Fatalf("len(Partitions) = %d, want 1", len(d.Partitions))
	}

	r := d.Partitions[0].OpenPayload(false)
	got := make([]byte, 16)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(got, payload[:]) {
		t.Fatalf("payload = %q, want %q", got, payload[:])
	}
}

func TestOpenDISARejectsCorruptTable(t *testing.T) {
	var payload [16]byte
	file := buildDISASingle(t, payload)
	file[0x200] ^= 0xFF

	if _, err := OpenDISA(bytes.NewReader(file)); err == nil {
		t.Fatal("expected corrupt partition error")
	}
}

func TestOpenDISAUnformattedIsDistinguished(t *testing.T) {
	file := make([]byte, 0x200)
	if _, err := OpenDISA(bytes.NewReader(file)); err == nil {
		t.Fatal("expected an error for an all-zero header")
	} else if _, ok := err.(*UnformattedSaveError); !ok {
		t.Fatalf("err = %T, want *UnformattedSaveError", err)
	}
}
