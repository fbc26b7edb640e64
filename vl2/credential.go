// Credential wire types, spec.md §3 "Credentials": five kinds, each
// signed by the network controller. Modeled as distinct wire-decodable
// types per original_source/core/zerotier.h rather than one flattened
// struct, per SPEC_FULL.md §4.9.
package vl2

import (
	"encoding/binary"

	"github.com/meshcore/hypervisor/identity"
)

// CredentialKind tags which of the five credential wire types follows,
// used by Revocation to name what it revokes.
type CredentialKind byte

const (
	CredentialCOM CredentialKind = iota
	CredentialCapability
	CredentialTag
	CredentialCOO
	CredentialRevocation
)

func putUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func getUint64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, DecodeError{"short uint64"}
	}
	return binary.BigEndian.Uint64(data[:8]), data[8:], nil
}

func getUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, DecodeError{"short uint32"}
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:], nil
}

// COM is the Certificate of Membership: the proof a node may use a given
// network at a point in time, spec.md §3.
type COM struct {
	NetworkID   uint64
	Timestamp   int64
	MaxDelta    int64 // controller-declared mutual-agreeability window
	Member      identity.Address
	Signature   []byte
}

func (c *COM) signedBytes() []byte {
	out := putUint64(nil, c.NetworkID)
	out = putUint64(out, uint64(c.Timestamp))
	out = putUint64(out, uint64(c.MaxDelta))
	out = append(out, c.Member[:]...)
	return out
}

// Sign computes the controller's signature over c.
func (c *COM) Sign(controller *identity.Identity) error {
	sig, err := controller.Sign(c.signedBytes())
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// Verify checks c's signature against the claimed controller identity.
func (c *COM) Verify(controller *identity.Identity) bool {
	return controller.Verify(c.signedBytes(), c.Signature)
}

// AgreesWith reports whether c and other are "mutually agreeable": their
// timestamps fall within the smaller of the two declared deltas,
// spec.md §4.6 "Credential lifetime".
func (c *COM) AgreesWith(other *COM) bool {
	if c.NetworkID != other.NetworkID {
		return false
	}
	delta := c.MaxDelta
	if other.MaxDelta < delta {
		delta = other.MaxDelta
	}
	diff := c.Timestamp - other.Timestamp
	if diff < 0 {
		diff = -diff
	}
	return diff <= delta
}

// Encode appends the wire encoding of c to out.
func (c *COM) Encode(out []byte) []byte {
	out = append(out, c.signedBytes()...)
	out = putUint32(out, uint32(len(c.Signature)))
	return append(out, c.Signature...)
}

// DecodeCOM parses a COM from the front of data, returning the remainder.
func DecodeCOM(data []byte) (*COM, []byte, error) {
	c := &COM{}
	var err error
	var v uint64
	if v, data, err = getUint64(data); err != nil {
		return nil, nil, err
	}
	c.NetworkID = v
	if v, data, err = getUint64(data); err != nil {
		return nil, nil, err
	}
	c.Timestamp = int64(v)
	if v, data, err = getUint64(data); err != nil {
		return nil, nil, err
	}
	c.MaxDelta = int64(v)
	if len(data) < identity.AddressSize {
		return nil, nil, DecodeError{"short COM member"}
	}
	copy(c.Member[:], data[:identity.AddressSize])
	data = data[identity.AddressSize:]
	var sigLen uint32
	if sigLen, data, err = getUint32(data); err != nil {
		return nil, nil, err
	}
	if uint32(len(data)) < sigLen {
		return nil, nil, DecodeError{"short COM signature"}
	}
	c.Signature = append([]byte(nil), data[:sigLen]...)
	return c, data[sigLen:], nil
}

// Capability is a small bundled rule set granting elevated rights beyond
// the base rules table, spec.md §3/§4.6.
type Capability struct {
	NetworkID uint64
	ID        uint32
	Timestamp int64
	Rules     []Rule
	Signature []byte
}

func (c *Capability) signedBytes() []byte {
	out := putUint64(nil, c.NetworkID)
	out = putUint32(out, c.ID)
	out = putUint64(out, uint64(c.Timestamp))
	out = putUint32(out, uint32(len(c.Rules)))
	for _, r := range c.Rules {
		out = r.Encode(out)
	}
	return out
}

// Sign computes the controller's signature over c.
func (c *Capability) Sign(controller *identity.Identity) error {
	sig, err := controller.Sign(c.signedBytes())
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// Verify checks c's signature against the claimed controller identity.
func (c *Capability) Verify(controller *identity.Identity) bool {
	return controller.Verify(c.signedBytes(), c.Signature)
}

// Tag is a 32-bit (id, value) pair scoped to a network, spec.md §3.
type Tag struct {
	NetworkID uint64
	ID        uint32
	Value     uint32
	Timestamp int64
	Signature []byte
}

func (t *Tag) signedBytes() []byte {
	out := putUint64(nil, t.NetworkID)
	out = putUint32(out, t.ID)
	out = putUint32(out, t.Value)
	out = putUint64(out, uint64(t.Timestamp))
	return out
}

// Sign computes the controller's signature over t.
func (t *Tag) Sign(controller *identity.Identity) error {
	sig, err := controller.Sign(t.signedBytes())
	if err != nil {
		return err
	}
	t.Signature = sig
	return nil
}

// Verify checks t's signature against the claimed controller identity.
func (t *Tag) Verify(controller *identity.Identity) bool {
	return controller.Verify(t.signedBytes(), t.Signature)
}

// COOKind selects what kind of address a Certificate of Ownership proves.
type COOKind byte

const (
	COOKindIPv4 COOKind = iota
	COOKindIPv6
	COOKindMAC
)

// COO is a Certificate of Ownership: proof that an IP or MAC belongs to a
// node, spec.md §3.
type COO struct {
	NetworkID uint64
	Timestamp int64
	Kind      COOKind
	Address   []byte // 4, 16, or 6 bytes depending on Kind
	Owner     identity.Address
	Signature []byte
}

func (c *COO) signedBytes() []byte {
	out := putUint64(nil, c.NetworkID)
	out = putUint64(out, uint64(c.Timestamp))
	out = append(out, byte(c.Kind))
	out = append(out, byte(len(c.Address)))
	out = append(out, c.Address...)
	out = append(out, c.Owner[:]...)
	return out
}

// Sign computes the controller's signature over c.
func (c *COO) Sign(controller *identity.Identity) error {
	sig, err := controller.Sign(c.signedBytes())
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// Verify checks c's signature against the claimed controller identity.
func (c *COO) Verify(controller *identity.Identity) bool {
	return controller.Verify(c.signedBytes(), c.Signature)
}

// Revocation immediately invalidates a previously issued credential,
// spec.md §4.6 "on revocation receipt, the credential is invalidated
// immediately".
type Revocation struct {
	NetworkID      uint64
	ID             uint32
	Timestamp      int64
	Target         identity.Address // the member the revoked credential was issued to
	CredentialKind CredentialKind
	CredentialID   uint32 // meaning depends on CredentialKind; 0 for COM
	Signature      []byte
}

func (r *Revocation) signedBytes() []byte {
	out := putUint64(nil, r.NetworkID)
	out = putUint32(out, r.ID)
	out = putUint64(out, uint64(r.Timestamp))
	out = append(out, r.Target[:]...)
	out = append(out, byte(r.CredentialKind))
	out = putUint32(out, r.CredentialID)
	return out
}

// Sign computes the controller's signature over r.
func (r *Revocation) Sign(controller *identity.Identity) error {
	sig, err := controller.Sign(r.signedBytes())
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Verify checks r's signature against the claimed controller identity.
func (r *Revocation) Verify(controller *identity.Identity) bool {
	return controller.Verify(r.signedBytes(), r.Signature)
}
