// Package crypto wraps the primitives the node core builds on: Curve25519
// key agreement, Ed25519 and NIST P-384 signatures, SHA-384/512 digests,
// and the two wire cipher suites (Salsa20/Poly1305 and AES-GCM) used to
// protect VL1 packet payloads.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/poly1305"
	"golang.org/x/crypto/salsa20/salsa"
)

// Sizes of the key material this module round-trips on the wire.
const (
	Curve25519PublicKeySize  = 32
	Curve25519PrivateKeySize = 32
	Ed25519PublicKeySize     = ed25519.PublicKeySize
	Ed25519PrivateKeySize    = ed25519.PrivateKeySize
	Ed25519SignatureSize     = ed25519.SignatureSize
	P384PublicKeySize        = 97 // uncompressed SEC1 point, P-384
	P384SignatureSize        = 96 // two 48-byte big-endian halves, r||s
	Sha384Size               = 48
	Sha512Size               = 64
)

// Suite selects the packet-payload cipher, per the wire cipher-selector
// bits in the VL1 header. Both are historical, deployed encodings and are
// not "improved" in this implementation.
type Suite byte

const (
	SuiteC25519Poly1305Salsa2012 Suite = 0
	SuiteAESGCM                  Suite = 1
	SuiteNone                    Suite = 2 // unencrypted but MAC'd: HELLO, WHOIS, and any verb sent before a session key exists
)

// Sha384 returns the SHA-384 digest of data.
func Sha384(data ...[]byte) [Sha384Size]byte {
	h := sha512.New384()
	for _, d := range data {
		h.Write(d)
	}
	var out [Sha384Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sha512 returns the SHA-512 digest of data.
func Sha512(data ...[]byte) [Sha512Size]byte {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [Sha512Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GenerateCurve25519 samples a new Curve25519 key pair for DH agreement.
func GenerateCurve25519() (pub, priv [Curve25519PublicKeySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	// Clamp per RFC 7748.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], p)
	return
}

// AgreeCurve25519 performs the X25519 Diffie-Hellman agreement.
func AgreeCurve25519(priv, peerPub [Curve25519PublicKeySize]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], peerPub[:])
}

// GenerateEd25519 samples a new Ed25519 signing key pair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SignEd25519 signs message with priv, producing a 64-byte signature.
func SignEd25519(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// VerifyEd25519 verifies message/signature in constant time.
func VerifyEd25519(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// GenerateP384 samples a new NIST P-384 key pair, used both for the
// optional second identity key and for a certificate subject's unique ID.
func GenerateP384() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
}

// MarshalP384Public encodes a P-384 public key as an uncompressed SEC1 point.
func MarshalP384Public(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(elliptic.P384(), pub.X, pub.Y)
}

// UnmarshalP384Public decodes an uncompressed SEC1 P-384 point.
func UnmarshalP384Public(data []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P384(), data)
	if x == nil {
		return nil, errors.New("crypto: invalid P-384 point")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P384(), X: x, Y: y}, nil
}

// SignP384 produces a fixed-size r||s signature.
func SignP384(priv *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := Sha384(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, P384SignatureSize)
	r.FillBytes(out[:P384SignatureSize/2])
	s.FillBytes(out[P384SignatureSize/2:])
	return out, nil
}

// VerifyP384 verifies a fixed-size r||s signature.
func VerifyP384(pub *ecdsa.PublicKey, message, signature []byte) bool {
	if len(signature) != P384SignatureSize {
		return false
	}
	half := P384SignatureSize / 2
	digest := Sha384(message)
	r := new(big.Int).SetBytes(signature[:half])
	s := new(big.Int).SetBytes(signature[half:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// AgreeP384 performs ECDH agreement over P-384, returning the shared X coordinate.
func AgreeP384(priv *ecdsa.PrivateKey, peerPub *ecdsa.PublicKey) []byte {
	x, _ := priv.Curve.ScalarMult(peerPub.X, peerPub.Y, priv.D.Bytes())
	out := make([]byte, (priv.Curve.Params().BitSize+7)/8)
	x.FillBytes(out)
	return out
}

// SealSalsaPoly1305 encrypts and authenticates plaintext with the 20-round
// Salsa20 core of salsa.XORKeyStream (not Salsa20/12, whatever the suite
// constant's name says, and not the IETF XSalsa20 variant) keyed by key,
// with nonce passed as its 16-byte nonce-and-counter input. The Poly1305
// key is the first 32 bytes of that keystream.
func SealSalsaPoly1305(key *[32]byte, nonce *[16]byte, plaintext []byte) (ciphertext, mac []byte) {
	var polyKey [32]byte
	var subNonce [16]byte
	copy(subNonce[:], nonce[:])
	salsa.XORKeyStream(polyKey[:], polyKey[:], &subNonce, key)
	ciphertext = make([]byte, len(plaintext))
	salsa.XORKeyStream(ciphertext, plaintext, &subNonce, key)
	var tag [16]byte
	poly1305.Sum(&tag, ciphertext, &polyKey)
	return ciphertext, tag[:]
}

// SalsaPoly1305Tag recomputes the 16-byte Poly1305 tag over ciphertext
// under key/nonce, without decrypting. Used when the wire encoding only
// carries a truncated prefix of the tag.
func SalsaPoly1305Tag(key *[32]byte, nonce *[16]byte, ciphertext []byte) [16]byte {
	var polyKey [32]byte
	var subNonce [16]byte
	copy(subNonce[:], nonce[:])
	salsa.XORKeyStream(polyKey[:], polyKey[:], &subNonce, key)
	var tag [16]byte
	poly1305.Sum(&tag, ciphertext, &polyKey)
	return tag
}

// DecryptSalsa20 decrypts (or encrypts; the stream cipher is symmetric)
// ciphertext under key/nonce without touching any MAC.
func DecryptSalsa20(key *[32]byte, nonce *[16]byte, ciphertext []byte) []byte {
	var subNonce [16]byte
	copy(subNonce[:], nonce[:])
	plaintext := make([]byte, len(ciphertext))
	salsa.XORKeyStream(plaintext, ciphertext, &subNonce, key)
	return plaintext
}

// OpenSalsaPoly1305 verifies mac and decrypts ciphertext in place.
func OpenSalsaPoly1305(key *[32]byte, nonce *[16]byte, ciphertext, mac []byte) ([]byte, bool) {
	var polyKey [32]byte
	var subNonce [16]byte
	copy(subNonce[:], nonce[:])
	salsa.XORKeyStream(polyKey[:], polyKey[:], &subNonce, key)
	var tag [16]byte
	copy(tag[:], mac)
	if !poly1305.Verify(&tag, ciphertext, &polyKey) {
		return nil, false
	}
	plaintext := make([]byte, len(ciphertext))
	salsa.XORKeyStream(plaintext, ciphertext, &subNonce, key)
	return plaintext, true
}

// SealAESGCM encrypts plaintext with AES-256-GCM.
func SealAESGCM(key []byte, nonce []byte, plaintext, additional []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, additional), nil
}

// OpenAESGCM decrypts and authenticates an AES-256-GCM sealed message.
func OpenAESGCM(key []byte, nonce []byte, ciphertext, additional []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, additional)
}

