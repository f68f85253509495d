// Package tmd parses Title Metadata: the signed content manifest carried
// inside CIA, CDN, and (as cetk's sibling) NAND title installations.
package tmd

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// signaturePrefixLen maps a TMD signature type to the total length (type
// field included) of the signature block preceding the fixed header.
var signaturePrefixLen = map[uint32]int64{
	0x10000: 0x240,
	0x10001: 0x140,
	0x10002: 0x80,
	0x10003: 0x3C,
	0x10004: 0x140,
	0x10005: 0x60,
}

const (
	headerLen         = 0xC4
	contentInfoLen    = 0x24
	contentInfoCount  = 64
	contentChunkLen   = 0x30
	contentInfoRegion = headerLen // offset of content-info records relative to header start
)

// Content describes one content chunk entry.
type Content struct {
	ID    uint32
	Index uint16
	Type  uint16
	Size  uint64
	Hash  [32]byte
}

// Encrypted reports whether the content is individually CBC-encrypted
// (content_type bit 0), per SPEC_FULL.md §4.6.
func (c Content) Encrypted() bool { return c.Type&1 != 0 }

// TMD is a parsed Title Metadata structure.
type TMD struct {
	SignatureType uint32
	Signature     []byte
	Issuer        string
	TitleID       uint64
	TitleVersion  uint16
	Contents      []Content

	raw []byte // full byte-exact input, kept so Bytes() round-trips without re-encoding
}

// Parse reads and structurally validates a TMD from r. Signature
// verification is not performed; call Verify separately against a loaded
// CertificateSet.
func Parse(r io.Reader) (*TMD, error) {
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("tmd: read: %w", err)
	}
	raw := buf.Bytes()

	if len(raw) < 4 {
		return nil, &InvalidSignatureTypeError{}
	}
	sigType := binary.BigEndian.Uint32(raw[0:4])
	sigLen, ok := signaturePrefixLen[sigType]
	if !ok {
		return nil, &InvalidSignatureTypeError{Type: sigType}
	}

	if int64(len(raw)) < sigLen+headerLen+contentInfoCount*contentInfoLen {
		return nil, &TruncatedTMDError{}
	}

	signature := raw[4:sigLen]
	header := raw[sigLen : sigLen+headerLen]
	contentInfoRecords := raw[sigLen+headerLen : sigLen+headerLen+contentInfoCount*contentInfoLen]

	issuer := string(bytes.TrimRight(header[:0x40], "\x00"))
	titleID := binary.BigEndian.Uint64(header[0x4C:0x54])
	titleVersion := binary.BigEndian.Uint16(header[0x9C:0x9E])
	contentCount := binary.BigEndian.Uint16(header[0x9E:0xA0])

	if !bytes.Equal(sha256Sum(contentInfoRecords), header[0xA4:0xC4]) {
		return nil, &HashMismatchError{What: "content info records"}
	}

	chunkStart := sigLen + headerLen + contentInfoCount*contentInfoLen
	chunkEnd := chunkStart + int64(contentCount)*contentChunkLen
	if int64(len(raw)) < chunkEnd {
		return nil, &TruncatedTMDError{}
	}
	contentChunkRecords := raw[chunkStart:chunkEnd]

	contents := make([]Content, 0, contentCount)
	for infoIndex := 0; infoIndex < contentInfoCount; infoIndex++ {
		infoRecord := contentInfoRecords[infoIndex*contentInfoLen : (infoIndex+1)*contentInfoLen]

		firstChunk := len(contents)
		count := int(binary.BigEndian.Uint16(infoRecord[0x2:0x4]))
		if count == 0 {
			continue
		}
		if firstChunk+count > int(contentCount) {
			return nil, &TruncatedTMDError{}
		}

		chunkRecords := contentChunkRecords[contentChunkLen*firstChunk : contentChunkLen*(firstChunk+count)]
		if !bytes.Equal(sha256Sum(chunkRecords), infoRecord[0x4:0x24]) {
			return nil, &HashMismatchError{What: fmt.Sprintf("content chunk records %d-%d", firstChunk, firstChunk+count-1)}
		}

		for chunkIndex := 0; chunkIndex < count; chunkIndex++ {
			chunkRecord := chunkRecords[chunkIndex*contentChunkLen : (chunkIndex+1)*contentChunkLen]
			var hash [32]byte
			copy(hash[:], chunkRecord[0x10:0x30])
			contents = append(contents, Content{
				ID:    binary.BigEndian.Uint32(chunkRecord[0x0:0x4]),
				Index: binary.BigEndian.Uint16(chunkRecord[0x4:0x6]),
				Type:  binary.BigEndian.Uint16(chunkRecord[0x6:0x8]),
				Size:  binary.BigEndian.Uint64(chunkRecord[0x8:0x10]),
				Hash:  hash,
			})
		}
	}

	return &TMD{
		SignatureType: sigType,
		Signature:     append([]byte{}, signature...),
		Issuer:        issuer,
		TitleID:       titleID,
		TitleVersion:  titleVersion,
		Contents:      contents,
		raw:           append([]byte{}, raw[:chunkEnd]...),
	}, nil
}

// Bytes returns the exact input bytes Parse consumed to build t, byte for
// byte. Structured fields are not re-encoded from t's Go representation;
// this sidesteps the endianness re-encode bugs the original tool had on
// signature types other than the one it hardcoded.
func (t *TMD) Bytes() []byte {
	return append([]byte{}, t.raw...)
}

// headerBytes returns the fixed-size signed header, the input to the
// signature hash.
func (t *TMD) headerBytes() []byte {
	sigLen := signaturePrefixLen[t.SignatureType]
	return t.raw[sigLen : sigLen+headerLen]
}

// Verify checks t's signature against certs' TMD certificate for the
// issuer t declares. It does not check that the issuer chain itself is
// trusted; callers combine this with their own CA pinning policy.
func (t *TMD) Verify(certs CertificateSet) error {
	cert, ok := certs.ForIssuer(t.Issuer)
	if !ok {
		return &UnknownIssuerError{Issuer: t.Issuer}
	}
	if _, ok := signaturePrefixLen[t.SignatureType]; !ok {
		return &InvalidSignatureTypeError{Type: t.SignatureType}
	}
	digest := sha256.Sum256(t.headerBytes())
	sig := t.Signature
	if n := cert.PublicKey.Size(); len(sig) > n {
		sig = sig[:n] // drop the padding that follows the RSA signature
	}
	if err := verifyRSA(cert, crypto.SHA256, digest[:], sig); err != nil {
		return &SignatureInvalidError{Reason: err.Error()}
	}
	return nil
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// InvalidSignatureTypeError reports a TMD signature type value outside the
// known set.
type InvalidSignatureTypeError struct {
	Type uint32
}

func (e *InvalidSignatureTypeError) Error() string {
	return fmt.Sprintf("tmd: invalid signature type: 0x%08x", e.Type)
}

// TruncatedTMDError reports an input shorter than its own declared record
// counts require.
type TruncatedTMDError struct{}

func (e *TruncatedTMDError) Error() string { return "tmd: truncated input" }

// HashMismatchError reports an internal record-table hash that does not
// match its stored digest.
type HashMismatchError struct {
	What string
}

func (e *HashMismatchError) Error() string { return "tmd: hash mismatch: " + e.What }

// UnknownIssuerError reports a TMD whose issuer string names a
// certificate not present in the CertificateSet passed to Verify.
type UnknownIssuerError struct {
	Issuer string
}

func (e *UnknownIssuerError) Error() string { return "tmd: unknown issuer: " + e.Issuer }

// SignatureInvalidError reports a structurally valid TMD whose signature
// failed RSA verification.
type SignatureInvalidError struct {
	Reason string
}

func (e *SignatureInvalidError) Error() string { return "tmd: invalid signature: " + e.Reason }
