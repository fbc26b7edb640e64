// Package vl1 implements the cryptographically authenticated packet
// transport between nodes described in spec.md §4.5: packet framing,
// fragmentation/reassembly, verb dispatch, HELLO/OK/ERROR exchange, WHOIS
// resolution, and rendezvous. The wire layout here is the normative,
// historically-deployed encoding (spec.md §9) and is not "improved" during
// this implementation.
package vl1

import (
	"encoding/binary"
	"errors"

	"github.com/meshcore/hypervisor/identity"
)

// Verb identifies the payload that follows the VL1 packet header.
type Verb byte

const (
	VerbNop Verb = iota
	VerbHello
	VerbOK
	VerbError
	VerbWhois
	VerbRendezvous
	VerbEcho
	VerbFrame
	VerbExtFrame
	VerbMulticastLike
	VerbMulticastFrame
	VerbNetworkConfigRequest
	VerbNetworkConfig
	VerbUserMessage
)

func (v Verb) String() string {
	switch v {
	case VerbNop:
		return "NOP"
	case VerbHello:
		return "HELLO"
	case VerbOK:
		return "OK"
	case VerbError:
		return "ERROR"
	case VerbWhois:
		return "WHOIS"
	case VerbRendezvous:
		return "RENDEZVOUS"
	case VerbEcho:
		return "ECHO"
	case VerbFrame:
		return "FRAME"
	case VerbExtFrame:
		return "EXT_FRAME"
	case VerbMulticastLike:
		return "MULTICAST_LIKE"
	case VerbMulticastFrame:
		return "MULTICAST_FRAME"
	case VerbNetworkConfigRequest:
		return "NETWORK_CONFIG_REQUEST"
	case VerbNetworkConfig:
		return "NETWORK_CONFIG"
	case VerbUserMessage:
		return "USER_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the reason code carried by an ERROR reply.
type ErrorCode byte

const (
	ErrorNone ErrorCode = iota
	ErrorInvalidRequest
	ErrorUnsupportedVerb
	ErrorIdentityCollision
	ErrorNeedMembershipCertificate
	ErrorNetworkAccessDenied
	ErrorNetworkNotFound
)

// MaxHops is the maximum relay hop count before a packet is dropped
// instead of being relayed further, spec.md §4.5.
const MaxHops = 7

// HeaderSize is the size of the unencrypted portion of a VL1 packet:
// 8-byte packet ID, 5-byte destination, 5-byte source, 1-byte
// flags/hops/cipher, 8-byte MAC.
const HeaderSize = 8 + identity.AddressSize + identity.AddressSize + 1 + 8

// flagsHopsCipher packs the hop count (low 3 bits), a fragmented flag (bit
// 3), and the cipher suite selector (bits 5-7) into one byte, matching the
// deployed wire encoding.
type flagsHopsCipher byte

func makeFlagsHopsCipher(hops uint8, fragmented bool, cipher byte) flagsHopsCipher {
	v := flagsHopsCipher(hops & 0x07)
	if fragmented {
		v |= 1 << 3
	}
	v |= flagsHopsCipher(cipher&0x07) << 5
	return v
}

func (f flagsHopsCipher) hops() uint8       { return uint8(f) & 0x07 }
func (f flagsHopsCipher) fragmented() bool  { return f&(1<<3) != 0 }
func (f flagsHopsCipher) cipher() byte      { return byte(f>>5) & 0x07 }
func (f flagsHopsCipher) withHops(h uint8) flagsHopsCipher {
	return (f &^ 0x07) | flagsHopsCipher(h&0x07)
}

// Header is the unencrypted portion of a VL1 packet.
type Header struct {
	PacketID    uint64
	Destination identity.Address
	Source      identity.Address
	fhc         flagsHopsCipher
	MAC         [8]byte
}

func (h Header) Hops() uint8      { return h.fhc.hops() }
func (h Header) Fragmented() bool { return h.fhc.fragmented() }
func (h Header) Cipher() byte     { return h.fhc.cipher() }

// IncrementHops returns a copy of h with the hop count incremented by one,
// or ok=false if doing so would exceed MaxHops.
func (h Header) IncrementHops() (Header, bool) {
	if h.fhc.hops() >= MaxHops {
		return h, false
	}
	h.fhc = h.fhc.withHops(h.fhc.hops() + 1)
	return h, true
}

// encodeHeaderPrefix appends the wire encoding of h (everything but the MAC) to out.
func encodeHeaderPrefix(out []byte, h Header) []byte {
	var pidBuf [8]byte
	binary.BigEndian.PutUint64(pidBuf[:], h.PacketID)
	out = append(out, pidBuf[:]...)
	out = append(out, h.Destination[:]...)
	out = append(out, h.Source[:]...)
	out = append(out, byte(h.fhc))
	return out
}

// BuildPacket assembles a full wire packet: header, MAC, and the encrypted
// payload (verb byte + verb-specific fields, already encrypted by the
// caller).
func BuildPacket(h Header, encryptedPayloadWithVerb []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(encryptedPayloadWithVerb))
	out = encodeHeaderPrefix(out, h)
	out = append(out, h.MAC[:]...)
	out = append(out, encryptedPayloadWithVerb...)
	return out
}

// ParseHeader parses the unencrypted header from the front of a wire
// packet, returning the header and the remaining (still-encrypted)
// payload.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, errors.New("vl1: packet shorter than header")
	}
	var h Header
	h.PacketID = binary.BigEndian.Uint64(data[:8])
	off := 8
	copy(h.Destination[:], data[off:off+identity.AddressSize])
	off += identity.AddressSize
	copy(h.Source[:], data[off:off+identity.AddressSize])
	off += identity.AddressSize
	h.fhc = flagsHopsCipher(data[off])
	off++
	copy(h.MAC[:], data[off:off+8])
	off += 8
	return h, data[off:], nil
}

// Fragment is a non-initial fragment of an oversized packet. It repeats
// the source address so the reassembler can key fragments to the same
// (source, packet ID) bucket as the header-bearing first fragment even
// when fragments arrive out of order.
type Fragment struct {
	PacketID      uint64
	Source        identity.Address
	FragmentIndex uint8
	FragmentCount uint8
	Payload       []byte
}

// fragmentMarker distinguishes a fragment from a first-fragment/whole
// packet on the wire: fragments are prefixed with this sentinel byte where
// a whole packet has the high byte of its packet ID (randomPacketID never
// produces an ID with this high byte).
const fragmentMarker = 0xff

// fragmentHeaderSize is the size of a fragment's prefix: marker, packet
// ID, source address, fragment index, fragment count.
const fragmentHeaderSize = 1 + 8 + identity.AddressSize + 1 + 1

// EncodeFragment encodes a non-initial fragment.
func EncodeFragment(f Fragment) []byte {
	out := make([]byte, 0, fragmentHeaderSize+len(f.Payload))
	out = append(out, fragmentMarker)
	var pidBuf [8]byte
	binary.BigEndian.PutUint64(pidBuf[:], f.PacketID)
	out = append(out, pidBuf[:]...)
	out = append(out, f.Source[:]...)
	out = append(out, f.FragmentIndex, f.FragmentCount)
	out = append(out, f.Payload...)
	return out
}

// IsFragment reports whether data looks like a non-initial fragment.
func IsFragment(data []byte) bool {
	return len(data) > 0 && data[0] == fragmentMarker
}

// DecodeFragment parses a non-initial fragment.
func DecodeFragment(data []byte) (Fragment, error) {
	if len(data) < fragmentHeaderSize || data[0] != fragmentMarker {
		return Fragment{}, errors.New("vl1: malformed fragment")
	}
	var f Fragment
	f.PacketID = binary.BigEndian.Uint64(data[1:9])
	off := 9
	copy(f.Source[:], data[off:off+identity.AddressSize])
	off += identity.AddressSize
	f.FragmentIndex = data[off]
	f.FragmentCount = data[off+1]
	f.Payload = append([]byte(nil), data[off+2:]...)
	return f, nil
}
