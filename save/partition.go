package save

import "io"

// PartitionDescriptor is a fully parsed DIFI/IVFC/DPFS/master-hash bundle,
// as stored inline in a DISA or DIFF partition table entry.
type PartitionDescriptor struct {
	DIFI         DIFI
	IVFC         IVFC
	DPFS         DPFS
	MasterHashes [][32]byte
}

// ParsePartitionDescriptor parses a partition descriptor: a DIFI header
// followed by the IVFC descriptor, DPFS descriptor, and master hash
// block at the offsets DIFI names.
func ParsePartitionDescriptor(raw []byte) (PartitionDescriptor, error) {
	if len(raw) < 0x44 {
		return PartitionDescriptor{}, &InvalidHeaderError{What: "partition descriptor", Reason: "shorter than DIFI"}
	}
	difi, err := ParseDIFI(raw[0:0x44])
	if err != nil {
		return PartitionDescriptor{}, err
	}

	ivfc, err := ParseIVFC(raw[difi.IVFCOffset : difi.IVFCOffset+difi.IVFCSize])
	if err != nil {
		return PartitionDescriptor{}, err
	}
	dpfs, err := ParseDPFS(raw[difi.DPFSOffset : difi.DPFSOffset+difi.DPFSSize])
	if err != nil {
		return PartitionDescriptor{}, err
	}

	hashBlock := raw[difi.PartHashOffset : difi.PartHashOffset+difi.PartHashSize]
	hashes := make([][32]byte, len(hashBlock)/32)
	for i := range hashes {
		copy(hashes[i][:], hashBlock[i*32:i*32+32])
	}

	return PartitionDescriptor{DIFI: difi, IVFC: ivfc, DPFS: dpfs, MasterHashes: hashes}, nil
}

// Bytes re-encodes pd into a partition descriptor of size bytes total,
// placing each component at the offset its DIFI header names.
func (pd PartitionDescriptor) Bytes(size int64) []byte {
	out := make([]byte, size)
	copy(out, pd.DIFI.Bytes())
	copy(out[pd.DIFI.IVFCOffset:], pd.IVFC.Bytes())
	copy(out[pd.DIFI.DPFSOffset:], pd.DPFS.Bytes())
	for i, h := range pd.MasterHashes {
		copy(out[pd.DIFI.PartHashOffset+int64(i)*32:], h[:])
	}
	return out
}

// Partition is one DISA/DIFF partition: the DPFS-protected physical
// bytes underneath an IVFC hash tree, exposing level 4 as the payload.
type Partition struct {
	Descriptor PartitionDescriptor
	tree       *HashTree
}

// OpenPartition wires a partition descriptor to base, the partition's
// raw byte range within the enclosing DISA/DIFF file.
func OpenPartition(base io.ReaderAt, pd PartitionDescriptor) (*Partition, error) {
	dpfs := pd.DPFS

	lv1Data := make([]byte, dpfs.Lv1.Size*2)
	if _, err := base.ReadAt(lv1Data, dpfs.Lv1.Offset); err != nil && err != io.EOF {
		return nil, err
	}
	lv1 := newDPFSLevel1(lv1Data, pd.DIFI.DPFSTreeLv1Selector)

	lv2Data := make([]byte, dpfs.Lv2.Size*2)
	if _, err := base.ReadAt(lv2Data, dpfs.Lv2.Offset); err != nil && err != io.EOF {
		return nil, err
	}
	lv2 := newDPFSLevel2(lv2Data, dpfs.Lv2.BlockSize, lv1)

	lv3Base := io.NewSectionReader(base, dpfs.Lv3.Offset, dpfs.Lv3.Size*2)
	lv3 := newDPFSLevel3(lv3Base, dpfs.Lv3.Size, dpfs.Lv3.BlockSize, lv2)

	var lv4Base io.ReaderAt
	if pd.DIFI.EnableExternalIVFCLv4 {
		lv4Base = io.NewSectionReader(base, pd.DIFI.ExternalIVFCLv4Offset, pd.IVFC.Lv4.Size)
	}

	tree := NewHashTree(lv3, pd.IVFC, pd.MasterHashes, lv4Base)
	return &Partition{Descriptor: pd, tree: tree}, nil
}

// OpenPayload returns a seekable reader over the partition's IVFC level
// 4 payload, the actual savedata bytes callers want.
func (p *Partition) OpenPayload(verify bool) io.ReadSeeker {
	return p.tree.Level4Reader(verify)
}
