package save

// DIFI is the 0x44-byte partition descriptor header giving the byte
// ranges of the IVFC and DPFS descriptors and the master-hash block
// within the enclosing partition descriptor.
type DIFI struct {
	IVFCOffset int64
	IVFCSize   int64

	DPFSOffset int64
	DPFSSize   int64

	PartHashOffset int64
	PartHashSize   int64

	EnableExternalIVFCLv4 bool
	DPFSTreeLv1Selector   byte
	ExternalIVFCLv4Offset int64
}

var difiMagic = []byte{'D', 'I', 'F', 'I', 0, 0, 1, 0}

// ParseDIFI parses a 0x44-byte DIFI descriptor.
func ParseDIFI(data []byte) (DIFI, error) {
	if len(data) != 0x44 {
		return DIFI{}, &InvalidHeaderError{What: "DIFI", Reason: "expected length 0x44"}
	}
	if string(data[0:8]) != string(difiMagic) {
		return DIFI{}, &InvalidHeaderError{What: "DIFI", Reason: "magic mismatch"}
	}

	return DIFI{
		IVFCOffset:            int64(le64(data[0x8:0x10])),
		IVFCSize:              int64(le64(data[0x10:0x18])),
		DPFSOffset:            int64(le64(data[0x18:0x20])),
		DPFSSize:              int64(le64(data[0x20:0x28])),
		PartHashOffset:        int64(le64(data[0x28:0x30])),
		PartHashSize:          int64(le64(data[0x30:0x38])),
		EnableExternalIVFCLv4: data[0x38] != 0,
		DPFSTreeLv1Selector:   data[0x39],
		ExternalIVFCLv4Offset: int64(le64(data[0x3C:0x44])),
	}, nil
}

// Bytes re-encodes d in DIFI's on-disk layout.
func (d DIFI) Bytes() []byte {
	out := make([]byte, 0x44)
	copy(out[0:8], difiMagic)
	putLE64(out[0x8:0x10], uint64(d.IVFCOffset))
	putLE64(out[0x10:0x18], uint64(d.IVFCSize))
	putLE64(out[0x18:0x20], uint64(d.DPFSOffset))
	putLE64(out[0x20:0x28], uint64(d.DPFSSize))
	putLE64(out[0x28:0x30], uint64(d.PartHashOffset))
	putLE64(out[0x30:0x38], uint64(d.PartHashSize))
	if d.EnableExternalIVFCLv4 {
		out[0x38] = 1
	}
	out[0x39] = d.DPFSTreeLv1Selector
	putLE64(out[0x3C:0x44], uint64(d.ExternalIVFCLv4Offset))
	return out
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
