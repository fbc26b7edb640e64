// Package identity implements the self-certifying node identity described
// in spec.md §4.1: a 40-bit address derived by memory-hard proof-of-work
// over one or two public keys, with optional private-key ownership,
// signing, and canonical string/binary (de)serialization.
package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/meshcore/hypervisor/crypto"
)

// Type selects which key bundle an identity carries.
type Type byte

const (
	// TypeC25519 carries a Curve25519 agreement key and an Ed25519 signing key.
	TypeC25519 Type = 0
	// TypeP384 carries the same C25519 pair plus a NIST P-384 agreement/signing pair.
	TypeP384 Type = 1
)

// AddressSize is the size, in bytes, of the address's on-wire encoding.
// An address is 40 bits; all five bytes are significant.
const AddressSize = 5

// PublicKeyEncodedLen returns the exact length of MarshalBinary(false)'s
// output for an identity of the given type: the type byte, address,
// C25519/Ed25519 public keys, the P-384 public key when typ is TypeP384,
// and the trailing has-private-key flag byte. Callers that embed a
// public identity encoding inline in a larger message (e.g. a HELLO
// payload followed by an optional locator) use this to find where the
// identity ends without a separate length prefix.
func PublicKeyEncodedLen(typ Type) int {
	n := 1 + AddressSize + crypto.Curve25519PublicKeySize + crypto.Ed25519PublicKeySize + 1
	if typ == TypeP384 {
		n += crypto.P384PublicKeySize
	}
	return n
}

// ReservedAddressByte is a sentinel value address byte 0 must never equal.
// Addresses beginning with this byte are reserved and generation must retry.
const ReservedAddressByte = 0xff

// proofOfWorkLeadingZeroBytes is the work condition from spec.md §4.1: the
// memory-hard digest of the candidate key material must have this many
// leading zero bytes before its low 40 bits are accepted as an address.
const proofOfWorkLeadingZeroBytes = 1

// argon2 parameters for the memory-hard digest. Time cost is tuned so that
// generation takes sub-second to low-single-digit seconds, per spec.md §4.1.
const (
	argonTime    = 1
	argonMemory  = 8 * 1024 // KiB
	argonThreads = 1
	argonKeyLen  = 32
)

// Address is the 40-bit node address, stored in the low 5 bytes.
type Address [AddressSize]byte

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether the address is the all-zero sentinel (unset).
func (a Address) IsZero() bool { return a == Address{} }

// Identity is an address plus one or two public keys, optionally paired
// with the corresponding private keys. Identities are immutable after
// construction.
type Identity struct {
	typ      Type
	address  Address
	c25519   [crypto.Curve25519PublicKeySize]byte
	ed25519  ed25519.PublicKey
	p384     *ecdsa.PublicKey // nil unless typ == TypeP384
	p384priv *ecdsa.PrivateKey

	c25519priv *[crypto.Curve25519PrivateKeySize]byte // nil unless this identity owns its private keys
	ed25519priv ed25519.PrivateKey
}

// HasPrivate reports whether this identity owns its private key material.
func (id *Identity) HasPrivate() bool { return id.ed25519priv != nil }

// Type returns the identity's key-bundle type.
func (id *Identity) Type() Type { return id.typ }

// Address returns the 40-bit node address derived from the public keys.
func (id *Identity) Address() Address { return id.address }

// publicKeyMaterial returns the canonical bytes the address digest and
// signatures are computed over: the C25519 key, the Ed25519 key, and (for
// TypeP384) the P-384 public point.
func (id *Identity) publicKeyMaterial() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(id.typ))
	buf = append(buf, id.c25519[:]...)
	buf = append(buf, id.ed25519...)
	if id.typ == TypeP384 {
		buf = append(buf, crypto.MarshalP384Public(id.p384)...)
	}
	return buf
}

// addressDigest computes the Argon2id memory-hard digest of the public key
// material salted with a generation counter/tweak. addressFromDigest takes
// the candidate address from the bytes after the work-condition prefix.
func addressDigest(material []byte, tweak uint64) [argonKeyLen]byte {
	salt := make([]byte, 8)
	for i := 0; i < 8; i++ {
		salt[i] = byte(tweak >> (8 * i))
	}
	sum := argon2.IDKey(material, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	var out [argonKeyLen]byte
	copy(out[:], sum)
	return out
}

func satisfiesWorkCondition(digest [argonKeyLen]byte) bool {
	for i := 0; i < proofOfWorkLeadingZeroBytes; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	return digest[proofOfWorkLeadingZeroBytes] != ReservedAddressByte
}

func addressFromDigest(digest [argonKeyLen]byte) Address {
	var a Address
	// Use the bytes following the work-condition prefix as the address body.
	copy(a[:], digest[proofOfWorkLeadingZeroBytes:proofOfWorkLeadingZeroBytes+AddressSize])
	return a
}

// Generate samples a fresh private identity of the requested type. It
// searches increasing tweak values until the memory-hard digest of the
// candidate keys satisfies the proof-of-work condition and the resulting
// address does not begin with the reserved sentinel byte.
func Generate(typ Type) (*Identity, error) {
	pub, priv, err := crypto.GenerateCurve25519()
	if err != nil {
		return nil, err
	}
	edPub, edPriv, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	id := &Identity{
		typ:         typ,
		c25519:      pub,
		ed25519:     edPub,
		c25519priv:  &priv,
		ed25519priv: edPriv,
	}
	if typ == TypeP384 {
		p384priv, err := crypto.GenerateP384()
		if err != nil {
			return nil, err
		}
		id.p384 = &p384priv.PublicKey
		id.p384priv = p384priv
	}
	material := id.publicKeyMaterial()
	for tweak := uint64(0); ; tweak++ {
		digest := addressDigest(material, tweak)
		if satisfiesWorkCondition(digest) {
			id.address = addressFromDigest(digest)
			if !id.address.IsZero() {
				return id, nil
			}
		}
	}
}

// Validate recomputes the memory-hard digest over the public key material
// and confirms it was the one that produced this identity's address. It is
// pure: it never consults private key material.
func (id *Identity) Validate() bool {
	material := id.publicKeyMaterial()
	for tweak := uint64(0); tweak < 1<<20; tweak++ {
		digest := addressDigest(material, tweak)
		if !satisfiesWorkCondition(digest) {
			continue
		}
		candidate := addressFromDigest(digest)
		if candidate == id.address {
			return true
		}
		// The first tweak that satisfies the work condition is the only
		// one a correct generator would have stopped at; a mismatch here
		// means the address was tampered with.
		return false
	}
	return false
}

// Sign produces a signature over message. C25519-type identities produce a
// 64-byte Ed25519 signature; P384-type identities produce a 160-byte
// concatenation of the Ed25519 and P-384 signatures. Returns an error if
// this identity does not own its private keys.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if !id.HasPrivate() {
		return nil, errors.New("identity: no private key")
	}
	sig := crypto.SignEd25519(id.ed25519priv, message)
	if id.typ != TypeP384 {
		return sig, nil
	}
	p384sig, err := crypto.SignP384(id.p384priv, message)
	if err != nil {
		return nil, err
	}
	return append(sig, p384sig...), nil
}

// Verify checks signature against message, constant-time, returning false
// on any malformed signature rather than an error.
func (id *Identity) Verify(message, signature []byte) bool {
	switch id.typ {
	case TypeC25519:
		if len(signature) != crypto.Ed25519SignatureSize {
			return false
		}
		return crypto.VerifyEd25519(id.ed25519, message, signature)
	case TypeP384:
		want := crypto.Ed25519SignatureSize + crypto.P384SignatureSize
		if len(signature) != want {
			return false
		}
		if !crypto.VerifyEd25519(id.ed25519, message, signature[:crypto.Ed25519SignatureSize]) {
			return false
		}
		return crypto.VerifyP384(id.p384, message, signature[crypto.Ed25519SignatureSize:])
	default:
		return false
	}
}

// AgreeC25519 performs the Curve25519 half of session key agreement
// against a peer's identity. Returns an error if this identity has no
// private key.
func (id *Identity) AgreeC25519(peer *Identity) ([]byte, error) {
	if id.c25519priv == nil {
		return nil, errors.New("identity: no private key")
	}
	return crypto.AgreeCurve25519(*id.c25519priv, peer.c25519)
}

// AgreeP384 performs the P-384 ECDH half of session key agreement, when
// both identities are TypeP384. Returns nil if either side lacks a P-384
// key.
func (id *Identity) AgreeP384(peer *Identity) []byte {
	if id.typ != TypeP384 || peer.typ != TypeP384 || id.p384priv == nil {
		return nil
	}
	return crypto.AgreeP384(id.p384priv, peer.p384)
}

// Fingerprint is (address, SHA-384 of the public key bundle).
type Fingerprint struct {
	Address Address
	Hash    [crypto.Sha384Size]byte
}

// Fingerprint computes this identity's fingerprint.
func (id *Identity) Fingerprint() Fingerprint {
	return Fingerprint{Address: id.address, Hash: crypto.Sha384(id.publicKeyMaterial())}
}

// Equal reports whether two fingerprints refer to the same public key bundle.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Address == o.Address && f.Hash == o.Hash
}

// MarshalBinary encodes the identity's canonical binary form: type byte,
// address, C25519 public key, Ed25519 public key, optional P-384 public
// key, and (if withPrivate) the corresponding private keys.
func (id *Identity) MarshalBinary(withPrivate bool) ([]byte, error) {
	if withPrivate && !id.HasPrivate() {
		return nil, errors.New("identity: no private key to serialize")
	}
	buf := make([]byte, 0, 256)
	buf = append(buf, byte(id.typ))
	buf = append(buf, id.address[:]...)
	buf = append(buf, id.c25519[:]...)
	buf = append(buf, id.ed25519...)
	if id.typ == TypeP384 {
		buf = append(buf, crypto.MarshalP384Public(id.p384)...)
	}
	hasPriv := byte(0)
	if withPrivate {
		hasPriv = 1
	}
	buf = append(buf, hasPriv)
	if withPrivate {
		buf = append(buf, id.c25519priv[:]...)
		buf = append(buf, id.ed25519priv...)
		if id.typ == TypeP384 {
			d := id.p384priv.D.Bytes()
			padded := make([]byte, 48)
			copy(padded[48-len(d):], d)
			buf = append(buf, padded...)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes an identity from its canonical binary form,
// produced by MarshalBinary. It does not itself call Validate; callers
// that need the work-condition guarantee should call Validate explicitly.
func UnmarshalBinary(data []byte) (*Identity, error) {
	if len(data) < 1+AddressSize+crypto.Curve25519PublicKeySize+crypto.Ed25519PublicKeySize+1 {
		return nil, errors.New("identity: truncated")
	}
	id := new(Identity)
	id.typ = Type(data[0])
	data = data[1:]
	copy(id.address[:], data[:AddressSize])
	data = data[AddressSize:]
	copy(id.c25519[:], data[:crypto.Curve25519PublicKeySize])
	data = data[crypto.Curve25519PublicKeySize:]
	id.ed25519 = append(ed25519.PublicKey(nil), data[:crypto.Ed25519PublicKeySize]...)
	data = data[crypto.Ed25519PublicKeySize:]
	if id.typ == TypeP384 {
		if len(data) < crypto.P384PublicKeySize {
			return nil, errors.New("identity: truncated P-384 key")
		}
		p, err := crypto.UnmarshalP384Public(data[:crypto.P384PublicKeySize])
		if err != nil {
			return nil, err
		}
		id.p384 = p
		data = data[crypto.P384PublicKeySize:]
	}
	if len(data) < 1 {
		return nil, errors.New("identity: truncated private-key flag")
	}
	hasPriv := data[0] != 0
	data = data[1:]
	if !hasPriv {
		return id, nil
	}
	if len(data) < crypto.Curve25519PrivateKeySize+crypto.Ed25519PrivateKeySize {
		return nil, errors.New("identity: truncated private keys")
	}
	var cpriv [crypto.Curve25519PrivateKeySize]byte
	copy(cpriv[:], data[:crypto.Curve25519PrivateKeySize])
	id.c25519priv = &cpriv
	data = data[crypto.Curve25519PrivateKeySize:]
	id.ed25519priv = append(ed25519.PrivateKey(nil), data[:crypto.Ed25519PrivateKeySize]...)
	data = data[crypto.Ed25519PrivateKeySize:]
	if id.typ == TypeP384 {
		if len(data) < 48 {
			return nil, errors.New("identity: truncated P-384 private key")
		}
		d := new(big.Int).SetBytes(data[:48])
		id.p384priv = &ecdsa.PrivateKey{PublicKey: *id.p384, D: d}
	}
	return id, nil
}

// String returns the canonical string form: address:type:c25519:ed25519[:p384]
// optionally followed by ":" + hex(private-keys) when withPrivate is set.
func (id *Identity) String(withPrivate bool) string {
	parts := []string{
		id.address.String(),
		fmt.Sprintf("%d", id.typ),
		hex.EncodeToString(id.c25519[:]),
		hex.EncodeToString(id.ed25519),
	}
	if id.typ == TypeP384 {
		parts = append(parts, hex.EncodeToString(crypto.MarshalP384Public(id.p384)))
	}
	if withPrivate {
		if !id.HasPrivate() {
			return strings.Join(parts, ":")
		}
		priv := append([]byte{}, id.c25519priv[:]...)
		priv = append(priv, id.ed25519priv...)
		if id.typ == TypeP384 {
			d := id.p384priv.D.Bytes()
			padded := make([]byte, 48)
			copy(padded[48-len(d):], d)
			priv = append(priv, padded...)
		}
		parts = append(parts, hex.EncodeToString(priv))
	}
	return strings.Join(parts, ":")
}

// ParseString decodes the string form produced by String.
func ParseString(s string) (*Identity, error) {
	fields := strings.Split(s, ":")
	if len(fields) < 4 {
		return nil, errors.New("identity: malformed string")
	}
	addrBytes, err := hex.DecodeString(fields[0])
	if err != nil || len(addrBytes) != AddressSize {
		return nil, errors.New("identity: malformed address")
	}
	id := new(Identity)
	copy(id.address[:], addrBytes)
	switch fields[1] {
	case "0":
		id.typ = TypeC25519
	case "1":
		id.typ = TypeP384
	default:
		return nil, errors.New("identity: unknown type")
	}
	c25519, err := hex.DecodeString(fields[2])
	if err != nil || len(c25519) != crypto.Curve25519PublicKeySize {
		return nil, errors.New("identity: malformed c25519 key")
	}
	copy(id.c25519[:], c25519)
	ed, err := hex.DecodeString(fields[3])
	if err != nil || len(ed) != crypto.Ed25519PublicKeySize {
		return nil, errors.New("identity: malformed ed25519 key")
	}
	id.ed25519 = ed
	next := 4
	if id.typ == TypeP384 {
		if len(fields) < 5 {
			return nil, errors.New("identity: missing P-384 key")
		}
		p384, err := hex.DecodeString(fields[4])
		if err != nil {
			return nil, err
		}
		pub, err := crypto.UnmarshalP384Public(p384)
		if err != nil {
			return nil, err
		}
		id.p384 = pub
		next = 5
	}
	if len(fields) > next {
		priv, err := hex.DecodeString(fields[next])
		if err != nil {
			return nil, err
		}
		off := 0
		if len(priv) < off+crypto.Curve25519PrivateKeySize+crypto.Ed25519PrivateKeySize {
			return nil, errors.New("identity: truncated private key field")
		}
		var cpriv [crypto.Curve25519PrivateKeySize]byte
		copy(cpriv[:], priv[off:off+crypto.Curve25519PrivateKeySize])
		id.c25519priv = &cpriv
		off += crypto.Curve25519PrivateKeySize
		id.ed25519priv = append(ed25519.PrivateKey(nil), priv[off:off+crypto.Ed25519PrivateKeySize]...)
		off += crypto.Ed25519PrivateKeySize
		if id.typ == TypeP384 {
			if len(priv) < off+48 {
				return nil, errors.New("identity: truncated P-384 private key field")
			}
			d := new(big.Int).SetBytes(priv[off : off+48])
			id.p384priv = &ecdsa.PrivateKey{PublicKey: *id.p384, D: d}
		}
	}
	return id, nil
}
