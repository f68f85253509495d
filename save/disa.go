package save

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/connesc/ctrfs/crypto3ds"
)

var disaMagic = []byte{'D', 'I', 'S', 'A', 0, 0, 4, 0}

// DISA is a parsed DISA savedata container: one or two mirrored
// partitions of user data, each protected by its own IVFC hash tree.
type DISA struct {
	CMAC        [16]byte
	UniqueID    uint64
	Partitions  map[int]*Partition
	header      []byte
	base        io.ReaderAt
	parttableOff int64

	partdescAOffset int64
	partdescASize   int64
	partdescBOffset int64
	partdescBSize   int64
}

// OpenDISA parses a DISA container from base, which must start with the
// 0x10-byte CMAC followed immediately by the 0xF0 bytes this format
// reserves before its own 0x100-byte header.
func OpenDISA(base io.ReaderAt) (*DISA, error) {
	var cmac [16]byte
	if _, err := base.ReadAt(cmac[:], 0); err != nil && err != io.EOF {
		return nil, err
	}

	header := make([]byte, 0x100)
	if _, err := base.ReadAt(header, 0x100); err != nil && err != io.EOF {
		return nil, err
	}

	if string(header[0:8]) != string(disaMagic) {
		var zero [0x20]byte
		if bytesEqual(header[0:0x20], zero[:]) {
			return nil, &UnformattedSaveError{}
		}
		return nil, &InvalidHeaderError{What: "DISA", Reason: "magic mismatch"}
	}

	partitionCount := le32(header[0x8:0xC])
	secondaryTableOffset := int64(le64(header[0x10:0x18]))
	primaryTableOffset := int64(le64(header[0x18:0x20]))
	tableSize := int64(le64(header[0x20:0x28]))

	partdescAOffset := int64(le64(header[0x28:0x30]))
	partdescASize := int64(le64(header[0x30:0x38]))
	partdescBOffset := int64(le64(header[0x38:0x40]))
	partdescBSize := int64(le64(header[0x40:0x48]))

	partitionAOffset := int64(le64(header[0x48:0x50]))
	partitionASize := int64(le64(header[0x50:0x58]))
	partitionBOffset := int64(le64(header[0x58:0x60]))
	partitionBSize := int64(le64(header[0x60:0x68]))

	activeTable := header[0x68]
	activeTableHash := header[0x6C:0x8C]

	tableOffset := primaryTableOffset
	if activeTable != 0 {
		tableOffset = secondaryTableOffset
	}

	table := make([]byte, tableSize)
	if _, err := base.ReadAt(table, tableOffset); err != nil && err != io.EOF {
		return nil, err
	}
	sum := sha256.Sum256(table)
	if !bytesEqual(sum[:], activeTableHash) {
		return nil, &CorruptPartitionError{Reason: "active partition table hash mismatch"}
	}

	d := &DISA{
		CMAC:            cmac,
		UniqueID:        le64(header[0x54:0x5C]),
		Partitions:      map[int]*Partition{},
		header:          header,
		base:            base,
		parttableOff:    tableOffset,
		partdescAOffset: partdescAOffset,
		partdescASize:   partdescASize,
		partdescBOffset: partdescBOffset,
		partdescBSize:   partdescBSize,
	}

	descA := table[partdescAOffset : partdescAOffset+partdescASize]
	pdA, err := ParsePartitionDescriptor(descA)
	if err != nil {
		return nil, fmt.Errorf("save: parse partition 0 descriptor: %w", err)
	}
	partA, err := OpenPartition(io.NewSectionReader(base, partitionAOffset, partitionASize), pdA)
	if err != nil {
		return nil, err
	}
	d.Partitions[0] = partA

	if partitionCount == 2 {
		descB := table[partdescBOffset : partdescBOffset+partdescBSize]
		pdB, err := ParsePartitionDescriptor(descB)
		if err != nil {
			return nil, fmt.Errorf("save: parse partition 1 descriptor: %w", err)
		}
		partB, err := OpenPartition(io.NewSectionReader(base, partitionBOffset, partitionBSize), pdB)
		if err != nil {
			return nil, err
		}
		d.Partitions[1] = partB
	}

	return d, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Commit is a placeholder for the write path: real writers must persist
// the new partition descriptor hash, sync, flip the active-table flag,
// sync again, and only then regenerate the CMAC (the ordering this
// package's Open Question resolves — new-hash before flag-flip, so a
// crash mid-commit still leaves the old, still-valid table active).
// Actual partition writes are out of scope for this reader.
func (d *DISA) Commit(w io.WriterAt, scheme CMACScheme, eng *crypto3ds.Engine) error {
	mac, err := scheme.Generate(eng, d.header)
	if err != nil {
		return err
	}
	d.CMAC = mac
	_, err = w.WriteAt(mac[:], 0)
	return err
}
