package tmd

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Certificate is a parsed Nintendo CA/TMD/Ticket certificate: the
// signature is discarded once the embedded RSA public key and issuer name
// are extracted, since certificate chain trust is established out of band
// (a caller-supplied root of trust), not by this package.
type Certificate struct {
	Name      string
	PublicKey rsa.PublicKey
	Raw       []byte
}

// CertificateSet groups the three certificates issued for one console
// family (retail or dev), keyed by the short name embedded in each
// certificate.
type CertificateSet struct {
	byName map[string]Certificate
}

// NewCertificateSet builds a set from already-parsed certificates.
func NewCertificateSet(certs ...Certificate) CertificateSet {
	set := CertificateSet{byName: make(map[string]Certificate, len(certs))}
	for _, c := range certs {
		set.byName[c.Name] = c
	}
	return set
}

// ForIssuer looks up the certificate whose name is the last path
// component of a TMD/ticket issuer string (e.g.
// "Root-CA00000003-CP0000000b" -> certificate named "CP0000000b").
func (s CertificateSet) ForIssuer(issuer string) (Certificate, bool) {
	name := issuer
	if i := bytes.LastIndexByte([]byte(issuer), '-'); i >= 0 {
		name = issuer[i+1:]
	}
	c, ok := s.byName[name]
	return c, ok
}

// ParseCertificate decodes one Nintendo certificate record: a signature
// block, a key-type-tagged public key block, and an ASCII name.
func ParseCertificate(raw []byte) (Certificate, error) {
	if len(raw) < 4 {
		return Certificate{}, fmt.Errorf("tmd: certificate too short")
	}
	signatureType := binary.BigEndian.Uint32(raw[0:4])

	var signatureLen int64
	switch signatureType {
	case 0x10000, 0x10003:
		signatureLen = 0x240
	case 0x10001, 0x10004:
		signatureLen = 0x140
	case 0x10002, 0x10005:
		signatureLen = 0x80
	default:
		return Certificate{}, fmt.Errorf("tmd: unexpected certificate signature type: 0x%08x", signatureType)
	}
	if int64(len(raw)) < signatureLen+0x88 {
		return Certificate{}, fmt.Errorf("tmd: certificate truncated before key block")
	}

	keyType := binary.BigEndian.Uint32(raw[signatureLen+0x40 : signatureLen+0x44])

	var modulusLen int64
	switch keyType {
	case 0x0:
		modulusLen = 0x200
	case 0x1:
		modulusLen = 0x100
	default:
		return Certificate{}, fmt.Errorf("tmd: unexpected certificate key type: 0x%08x", keyType)
	}
	if int64(len(raw)) < signatureLen+0x88+modulusLen+4 {
		return Certificate{}, fmt.Errorf("tmd: certificate truncated before modulus/exponent")
	}

	name := string(bytes.TrimRight(raw[signatureLen+0x44:signatureLen+0x84], "\x00"))
	modulus := new(big.Int).SetBytes(raw[signatureLen+0x88 : signatureLen+0x88+modulusLen])
	exponent := binary.BigEndian.Uint32(raw[signatureLen+0x88+modulusLen : signatureLen+0x8C+modulusLen])

	return Certificate{
		Name: name,
		PublicKey: rsa.PublicKey{
			N: modulus,
			E: int(exponent),
		},
		Raw: append([]byte{}, raw...),
	}, nil
}

func verifyRSA(cert Certificate, hash crypto.Hash, digest, sig []byte) error {
	return rsa.VerifyPKCS1v15(&cert.PublicKey, hash, digest, sig)
}
