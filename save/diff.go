package save

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/connesc/ctrfs/crypto3ds"
)

var diffMagic = []byte{'D', 'I', 'F', 'F', 0, 0, 3, 0}

// DIFF is a parsed DIFF savedata container: a single partition, used for
// extdata and title databases where DISA's two-mirror scheme isn't
// needed.
type DIFF struct {
	CMAC       [16]byte
	UniqueID   uint64
	Partition  *Partition
	header     []byte

	partdescOffset int64
}

// OpenDIFF parses a DIFF container from base.
func OpenDIFF(base io.ReaderAt) (*DIFF, error) {
	var cmac [16]byte
	if _, err := base.ReadAt(cmac[:], 0); err != nil && err != io.EOF {
		return nil, err
	}

	header := make([]byte, 0x100)
	if _, err := base.ReadAt(header, 0x100); err != nil && err != io.EOF {
		return nil, err
	}

	if string(header[0:8]) != string(diffMagic) {
		return nil, &InvalidHeaderError{What: "DIFF", Reason: "magic mismatch"}
	}

	secondaryOffset := int64(le64(header[0x8:0x10]))
	primaryOffset := int64(le64(header[0x10:0x18]))
	descSize := int64(le64(header[0x18:0x20]))

	partitionOffset := int64(le64(header[0x20:0x28]))
	partitionSize := int64(le64(header[0x28:0x30]))

	activeDesc := le32(header[0x30:0x34])
	activeDescHash := header[0x34:0x54]

	descOffset := primaryOffset
	if activeDesc != 0 {
		descOffset = secondaryOffset
	}

	desc := make([]byte, descSize)
	if _, err := base.ReadAt(desc, descOffset); err != nil && err != io.EOF {
		return nil, err
	}
	sum := sha256.Sum256(desc)
	if !bytesEqual(sum[:], activeDescHash) {
		return nil, &CorruptPartitionError{Reason: "active partition descriptor hash mismatch"}
	}

	pd, err := ParsePartitionDescriptor(desc)
	if err != nil {
		return nil, fmt.Errorf("save: parse partition descriptor: %w", err)
	}
	partition, err := OpenPartition(io.NewSectionReader(base, partitionOffset, partitionSize), pd)
	if err != nil {
		return nil, err
	}

	return &DIFF{
		CMAC:           cmac,
		UniqueID:       le64(header[0x54:0x5C]),
		Partition:      partition,
		header:         header,
		partdescOffset: descOffset,
	}, nil
}

// Commit mirrors DISA.Commit: real writers persist the new partition
// descriptor and its hash before regenerating the CMAC.
func (d *DIFF) Commit(w io.WriterAt, scheme CMACScheme, eng *crypto3ds.Engine) error {
	mac, err := scheme.Generate(eng, d.header)
	if err != nil {
		return err
	}
	d.CMAC = mac
	_, err = w.WriteAt(mac[:], 0)
	return err
}
