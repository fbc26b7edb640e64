// Package cert implements certificates, chain validation, and the local
// certificate store described in spec.md §3/§4.3.
package cert

import (
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/meshcore/hypervisor/crypto"
	"github.com/meshcore/hypervisor/identity"
	"github.com/meshcore/hypervisor/locator"
)

// SerialSize is the size, in bytes, of a certificate serial: the SHA-384
// digest of its canonical encoding minus the signature.
const SerialSize = crypto.Sha384Size

// Serial identifies a certificate by the digest of its own content.
type Serial [SerialSize]byte

// Flags carries bit flags encoded directly on the wire certificate,
// distinct from the operator-local TrustFlags below.
type Flags uint64

// TrustFlags are the per-certificate flags an operator sets locally,
// spec.md §3 "Local trust", matching ZT_CERTIFICATE_LOCAL_TRUST_FLAG_*
// from original_source/core/zerotier.h.
type TrustFlags uint32

const (
	// TrustFlagRootCA pins this certificate as a locally trusted root.
	TrustFlagRootCA TrustFlags = 1 << 0
	// TrustFlagRootSet promotes the identities listed in this certificate's
	// subject to root peers.
	TrustFlagRootSet TrustFlags = 1 << 1
)

// IdentityLocatorPair binds an identity to an optional locator, as carried
// in a certificate subject.
type IdentityLocatorPair struct {
	Identity *identity.Identity
	Locator  *locator.Locator // nil if none was supplied
}

// NetworkController binds a 64-bit network ID to the fingerprint of its
// controlling node.
type NetworkController struct {
	NetworkID          uint64
	ControllerFingerprint identity.Fingerprint
}

// Subject is the body of statements a certificate makes.
type Subject struct {
	Timestamp    int64
	Identities   []IdentityLocatorPair
	Networks     []NetworkController
	CertRefs     []Serial
	UpdateURLs   []string
	Name         pkix.Name
	UniqueID     *ecdsa.PublicKey // optional P-384 key, nil if absent
	UniqueIDSig  []byte           // proof signature by the UniqueID private key over the subject encoding
}

// Certificate is a signed statement binding a Subject to an issuer.
type Certificate struct {
	Serial        Serial
	Flags         Flags
	Timestamp     int64
	NotBefore     int64
	NotAfter      int64
	Subject       Subject
	Issuer        *identity.Identity
	IssuerName    pkix.Name
	Extended      map[string][]byte
	MaxPathLength uint8
	Signature     []byte
}

func putUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putString(buf []byte, s string) []byte {
	buf = putUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

// small helper because pkix.Name fields are slices; certificates only use
// the first value of each, matching the "X.509-style name record" spec.md
// calls for without pulling in a full ASN.1 RDN sequence.
func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func encodeName(buf []byte, n pkix.Name) []byte {
	buf = putString(buf, n.CommonName)
	buf = putString(buf, first(n.Organization))
	buf = putString(buf, first(n.Country))
	return buf
}

func (s Subject) encode() ([]byte, error) {
	if len(s.Identities) == 0 {
		return nil, errors.New("cert: subject must reference at least one identity")
	}
	buf := make([]byte, 0, 512)
	buf = putUint64(buf, uint64(s.Timestamp))
	buf = putUint64(buf, uint64(len(s.Identities)))
	for _, il := range s.Identities {
		idBytes, err := il.Identity.MarshalBinary(false)
		if err != nil {
			return nil, err
		}
		buf = putUint64(buf, uint64(len(idBytes)))
		buf = append(buf, idBytes...)
		if il.Locator != nil {
			locBytes, err := il.Locator.Marshal()
			if err != nil {
				return nil, err
			}
			buf = append(buf, 1)
			buf = putUint64(buf, uint64(len(locBytes)))
			buf = append(buf, locBytes...)
		} else {
			buf = append(buf, 0)
		}
	}
	buf = putUint64(buf, uint64(len(s.Networks)))
	for _, nc := range s.Networks {
		buf = putUint64(buf, nc.NetworkID)
		buf = append(buf, nc.ControllerFingerprint.Address[:]...)
		buf = append(buf, nc.ControllerFingerprint.Hash[:]...)
	}
	buf = putUint64(buf, uint64(len(s.CertRefs)))
	for _, ref := range s.CertRefs {
		buf = append(buf, ref[:]...)
	}
	buf = putUint64(buf, uint64(len(s.UpdateURLs)))
	for _, u := range s.UpdateURLs {
		buf = putString(buf, u)
	}
	buf = encodeName(buf, s.Name)
	if s.UniqueID != nil {
		uidBytes := crypto.MarshalP384Public(s.UniqueID)
		buf = append(buf, 1)
		buf = append(buf, uidBytes...)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

// subjectSignedBytes is what the unique-ID proof signature covers: the
// subject encoding without the proof signature itself.
func (s Subject) subjectSignedBytes() ([]byte, error) { return s.encode() }

func (c *Certificate) canonicalEncoding(includeSignature bool) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	buf = putUint64(buf, uint64(c.Flags))
	buf = putUint64(buf, uint64(c.Timestamp))
	buf = putUint64(buf, uint64(c.NotBefore))
	buf = putUint64(buf, uint64(c.NotAfter))
	subjBytes, err := c.Subject.encode()
	if err != nil {
		return nil, err
	}
	buf = putUint64(buf, uint64(len(subjBytes)))
	buf = append(buf, subjBytes...)
	if c.Subject.UniqueID != nil {
		buf = putUint64(buf, uint64(len(c.Subject.UniqueIDSig)))
		buf = append(buf, c.Subject.UniqueIDSig...)
	}
	issuerBytes, err := c.Issuer.MarshalBinary(false)
	if err != nil {
		return nil, err
	}
	buf = putUint64(buf, uint64(len(issuerBytes)))
	buf = append(buf, issuerBytes...)
	buf = encodeName(buf, c.IssuerName)
	buf = putUint64(buf, uint64(len(c.Extended)))
	keys := make([]string, 0, len(c.Extended))
	for k := range c.Extended {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := c.Extended[k]
		buf = putString(buf, k)
		buf = putUint64(buf, uint64(len(v)))
		buf = append(buf, v...)
	}
	buf = append(buf, c.MaxPathLength)
	if includeSignature {
		buf = putUint64(buf, uint64(len(c.Signature)))
		buf = append(buf, c.Signature...)
	}
	return buf, nil
}

// ComputeSerial computes the serial of a certificate: the SHA-384 digest of
// its canonical encoding without the signature.
func (c *Certificate) ComputeSerial() (Serial, error) {
	bs, err := c.canonicalEncoding(false)
	if err != nil {
		return Serial{}, err
	}
	return Serial(crypto.Sha384(bs)), nil
}

// Sign finalizes the certificate: computes and sets its serial, signs the
// serial-bearing encoding with issuerPriv (which must match c.Issuer), and
// sets c.Signature.
func (c *Certificate) Sign(issuerPriv *identity.Identity) error {
	serial, err := c.ComputeSerial()
	if err != nil {
		return err
	}
	c.Serial = serial
	sig, err := issuerPriv.Sign(serial[:])
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// verifySubjectUniqueID checks the subject's unique-ID proof signature, if
// present. An empty unique ID always passes (nothing to check).
func (c *Certificate) verifySubjectUniqueID() error {
	if c.Subject.UniqueID == nil {
		return nil
	}
	msg, err := c.Subject.subjectSignedBytes()
	if err != nil {
		return err
	}
	if !crypto.VerifyP384(c.Subject.UniqueID, msg, c.Subject.UniqueIDSig) {
		return MissingUniqueIDProofError{}
	}
	return nil
}

// verifyLocators checks every (identity, locator) pair's locator signature
// against its own identity.
func (c *Certificate) verifyLocators() error {
	for _, il := range c.Subject.Identities {
		if il.Locator == nil {
			continue
		}
		if !il.Locator.Verify(il.Identity) {
			return InvalidSignatureError{}
		}
	}
	return nil
}

// VerifyStructure runs the checks decode(verify=true) performs: serial
// equals digest, primary signature, locator signatures, unique-ID proof,
// and the validity window against now.
func (c *Certificate) VerifyStructure(now int64) error {
	serial, err := c.ComputeSerial()
	if err != nil {
		return err
	}
	if serial != c.Serial {
		return InvalidSerialError{}
	}
	if !c.Issuer.Verify(serial[:], c.Signature) {
		return InvalidSignatureError{}
	}
	if err := c.verifyLocators(); err != nil {
		return err
	}
	if err := c.verifySubjectUniqueID(); err != nil {
		return err
	}
	if now < c.NotBefore || now > c.NotAfter {
		return ExpiredError{}
	}
	return nil
}

// Encode marshals the certificate to its canonical binary form, signature included.
func (c *Certificate) Encode() ([]byte, error) {
	body, err := c.canonicalEncoding(true)
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, c.Serial[:]...)
	out = append(out, body...)
	return out, nil
}

func getUint64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, MalformedError{"truncated integer"}
	}
	return binary.BigEndian.Uint64(data[:8]), data[8:], nil
}

func getString(data []byte) (string, []byte, error) {
	n, data, err := getUint64(data)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(data)) < n {
		return "", nil, MalformedError{"truncated string"}
	}
	return string(data[:n]), data[n:], nil
}

func getBytes(data []byte, n uint64) ([]byte, []byte, error) {
	if uint64(len(data)) < n {
		return nil, nil, MalformedError{"truncated field"}
	}
	return data[:n], data[n:], nil
}

func decodeName(data []byte) (pkix.Name, []byte, error) {
	var n pkix.Name
	cn, data, err := getString(data)
	if err != nil {
		return n, nil, err
	}
	org, data, err := getString(data)
	if err != nil {
		return n, nil, err
	}
	country, data, err := getString(data)
	if err != nil {
		return n, nil, err
	}
	n.CommonName = cn
	if org != "" {
		n.Organization = []string{org}
	}
	if country != "" {
		n.Country = []string{country}
	}
	return n, data, nil
}

// decodeSubject parses a Subject from data, expecting no trailing bytes.
func decodeSubject(data []byte) (Subject, error) {
	var s Subject
	ts, data, err := getUint64(data)
	if err != nil {
		return s, err
	}
	s.Timestamp = int64(ts)
	nIdentities, data, err := getUint64(data)
	if err != nil {
		return s, err
	}
	for i := uint64(0); i < nIdentities; i++ {
		idLen, rest, err := getUint64(data)
		if err != nil {
			return s, err
		}
		idBytes, rest, err := getBytes(rest, idLen)
		if err != nil {
			return s, err
		}
		id, err := identity.UnmarshalBinary(idBytes)
		if err != nil {
			return s, err
		}
		if len(rest) < 1 {
			return s, MalformedError{"truncated locator flag"}
		}
		hasLoc := rest[0] != 0
		data = rest[1:]
		pair := IdentityLocatorPair{Identity: id}
		if hasLoc {
			locLen, rest2, err := getUint64(data)
			if err != nil {
				return s, err
			}
			locBytes, rest2, err := getBytes(rest2, locLen)
			if err != nil {
				return s, err
			}
			loc, err := locator.Unmarshal(locBytes)
			if err != nil {
				return s, err
			}
			pair.Locator = loc
			data = rest2
		}
		s.Identities = append(s.Identities, pair)
	}
	nNetworks, data, err := getUint64(data)
	if err != nil {
		return s, err
	}
	for i := uint64(0); i < nNetworks; i++ {
		var nc NetworkController
		netID, rest, err := getUint64(data)
		if err != nil {
			return s, err
		}
		nc.NetworkID = netID
		fpBytes, rest, err := getBytes(rest, uint64(identity.AddressSize+crypto.Sha384Size))
		if err != nil {
			return s, err
		}
		copy(nc.ControllerFingerprint.Address[:], fpBytes[:identity.AddressSize])
		copy(nc.ControllerFingerprint.Hash[:], fpBytes[identity.AddressSize:])
		data = rest
		s.Networks = append(s.Networks, nc)
	}
	nRefs, data, err := getUint64(data)
	if err != nil {
		return s, err
	}
	for i := uint64(0); i < nRefs; i++ {
		refBytes, rest, err := getBytes(data, SerialSize)
		if err != nil {
			return s, err
		}
		var ref Serial
		copy(ref[:], refBytes)
		s.CertRefs = append(s.CertRefs, ref)
		data = rest
	}
	nURLs, data, err := getUint64(data)
	if err != nil {
		return s, err
	}
	for i := uint64(0); i < nURLs; i++ {
		u, rest, err := getString(data)
		if err != nil {
			return s, err
		}
		s.UpdateURLs = append(s.UpdateURLs, u)
		data = rest
	}
	name, data, err := decodeName(data)
	if err != nil {
		return s, err
	}
	s.Name = name
	if len(data) < 1 {
		return s, MalformedError{"truncated unique-id flag"}
	}
	hasUnique := data[0] != 0
	data = data[1:]
	if hasUnique {
		uidBytes, _, err := getBytes(data, crypto.P384PublicKeySize)
		if err != nil {
			return s, err
		}
		pub, err := crypto.UnmarshalP384Public(uidBytes)
		if err != nil {
			return s, err
		}
		s.UniqueID = pub
	}
	return s, nil
}

// Decode parses a certificate from its canonical binary form, produced by
// Encode. If verify is true, it additionally performs everything
// VerifyStructure does (serial, signatures, validity window) before
// returning it; otherwise the caller is asserting it will verify the
// result itself, per spec.md §4.3 insert()'s "unless the caller certifies
// it ran" clause.
func Decode(data []byte, verify bool, now int64) (*Certificate, error) {
	if len(data) < SerialSize {
		return nil, MalformedError{"truncated serial"}
	}
	c := new(Certificate)
	copy(c.Serial[:], data[:SerialSize])
	data = data[SerialSize:]

	flags, data, err := getUint64(data)
	if err != nil {
		return nil, err
	}
	c.Flags = Flags(flags)
	ts, data, err := getUint64(data)
	if err != nil {
		return nil, err
	}
	c.Timestamp = int64(ts)
	nb, data, err := getUint64(data)
	if err != nil {
		return nil, err
	}
	c.NotBefore = int64(nb)
	na, data, err := getUint64(data)
	if err != nil {
		return nil, err
	}
	c.NotAfter = int64(na)

	subjLen, data, err := getUint64(data)
	if err != nil {
		return nil, err
	}
	subjBytes, data, err := getBytes(data, subjLen)
	if err != nil {
		return nil, err
	}
	subj, err := decodeSubject(subjBytes)
	if err != nil {
		return nil, err
	}
	c.Subject = subj

	if c.Subject.UniqueID != nil {
		sigLen, rest, err := getUint64(data)
		if err != nil {
			return nil, err
		}
		sig, rest, err := getBytes(rest, sigLen)
		if err != nil {
			return nil, err
		}
		c.Subject.UniqueIDSig = append([]byte(nil), sig...)
		data = rest
	}

	issuerLen, data, err := getUint64(data)
	if err != nil {
		return nil, err
	}
	issuerBytes, data, err := getBytes(data, issuerLen)
	if err != nil {
		return nil, err
	}
	issuer, err := identity.UnmarshalBinary(issuerBytes)
	if err != nil {
		return nil, err
	}
	c.Issuer = issuer

	issuerName, data, err := decodeName(data)
	if err != nil {
		return nil, err
	}
	c.IssuerName = issuerName

	nExtended, data, err := getUint64(data)
	if err != nil {
		return nil, err
	}
	if nExtended > 0 {
		c.Extended = make(map[string][]byte, nExtended)
	}
	for i := uint64(0); i < nExtended; i++ {
		k, rest, err := getString(data)
		if err != nil {
			return nil, err
		}
		vLen, rest, err := getUint64(rest)
		if err != nil {
			return nil, err
		}
		v, rest, err := getBytes(rest, vLen)
		if err != nil {
			return nil, err
		}
		c.Extended[k] = append([]byte(nil), v...)
		data = rest
	}

	if len(data) < 1 {
		return nil, MalformedError{"truncated max path length"}
	}
	c.MaxPathLength = data[0]
	data = data[1:]

	sigLen, data, err := getUint64(data)
	if err != nil {
		return nil, err
	}
	sig, _, err := getBytes(data, sigLen)
	if err != nil {
		return nil, err
	}
	c.Signature = append([]byte(nil), sig...)

	if verify {
		if err := c.VerifyStructure(now); err != nil {
			return nil, err
		}
	}
	return c, nil
}
