// Package locator implements the signed, timestamped endpoint list a node
// advertises for itself (spec.md §3/§4.2).
package locator

import (
	"encoding/binary"
	"errors"

	"github.com/meshcore/hypervisor/endpoint"
	"github.com/meshcore/hypervisor/identity"
)

// MaxEndpoints is the strict upper bound on endpoints a locator may carry.
const MaxEndpoints = 8

// Locator is a timestamped, signed list of physical endpoints for an identity.
type Locator struct {
	Timestamp      int64
	Endpoints      []endpoint.Endpoint
	SignerAddress  identity.Address
	SignerFingerprint identity.Fingerprint
	Signature      []byte
}

func (l *Locator) signedBytes() ([]byte, error) {
	if len(l.Endpoints) > MaxEndpoints {
		return nil, errors.New("locator: too many endpoints")
	}
	buf := make([]byte, 0, 256)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(l.Timestamp))
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, byte(len(l.Endpoints)))
	var err error
	for _, ep := range l.Endpoints {
		buf, err = ep.Encode(buf)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, l.SignerFingerprint.Address[:]...)
	buf = append(buf, l.SignerFingerprint.Hash[:]...)
	return buf, nil
}

// Create signs a new locator for the given timestamp and endpoint list on
// behalf of signer, which must own its private key.
func Create(ts int64, endpoints []endpoint.Endpoint, signer *identity.Identity) (*Locator, error) {
	if len(endpoints) > MaxEndpoints {
		return nil, errors.New("locator: too many endpoints")
	}
	l := &Locator{
		Timestamp:         ts,
		Endpoints:         append([]endpoint.Endpoint(nil), endpoints...),
		SignerAddress:     signer.Address(),
		SignerFingerprint: signer.Fingerprint(),
	}
	msg, err := l.signedBytes()
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return nil, err
	}
	l.Signature = sig
	return l, nil
}

// Verify recomputes the signed encoding and checks the signature against
// signer, which must be the identity referenced by SignerFingerprint.
func (l *Locator) Verify(signer *identity.Identity) bool {
	if !l.SignerFingerprint.Equal(signer.Fingerprint()) {
		return false
	}
	msg, err := l.signedBytes()
	if err != nil {
		return false
	}
	return signer.Verify(msg, l.Signature)
}

// Marshal encodes the locator, including its signature, to canonical binary.
func (l *Locator) Marshal() ([]byte, error) {
	body, err := l.signedBytes()
	if err != nil {
		return nil, err
	}
	out := append(body, byte(len(l.Signature)))
	out = append(out, l.Signature...)
	return out, nil
}

// Unmarshal decodes a locator previously produced by Marshal.
func Unmarshal(data []byte) (*Locator, error) {
	if len(data) < 9 {
		return nil, errors.New("locator: truncated")
	}
	l := new(Locator)
	l.Timestamp = int64(binary.BigEndian.Uint64(data[:8]))
	data = data[8:]
	count := int(data[0])
	data = data[1:]
	if count > MaxEndpoints {
		return nil, errors.New("locator: too many endpoints")
	}
	for i := 0; i < count; i++ {
		ep, n, err := endpoint.Decode(data)
		if err != nil {
			return nil, err
		}
		l.Endpoints = append(l.Endpoints, ep)
		data = data[n:]
	}
	if len(data) < identity.AddressSize+48 {
		return nil, errors.New("locator: truncated fingerprint")
	}
	copy(l.SignerFingerprint.Address[:], data[:identity.AddressSize])
	data = data[identity.AddressSize:]
	copy(l.SignerFingerprint.Hash[:], data[:48])
	data = data[48:]
	l.SignerAddress = l.SignerFingerprint.Address
	if len(data) < 1 {
		return nil, errors.New("locator: truncated signature length")
	}
	sigLen := int(data[0])
	data = data[1:]
	if len(data) < sigLen {
		return nil, errors.New("locator: truncated signature")
	}
	l.Signature = append([]byte(nil), data[:sigLen]...)
	return l, nil
}
