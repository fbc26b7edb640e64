// Package endpoint implements the tagged physical-address variants a node
// can be reached at (spec.md §3): nil, a ZeroTier-relay indirection, local
// link layers (Ethernet/WiFi-direct/Bluetooth), and IP-based transports.
package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/meshcore/hypervisor/identity"
)

// Type enumerates the endpoint variants.
type Type byte

const (
	TypeNil Type = iota
	TypeZeroTier
	TypeEthernet
	TypeWiFiDirect
	TypeBluetooth
	TypeIP
	TypeIPUDP
	TypeIPTCP
	TypeIPHTTP
	typeMax
)

func (t Type) String() string {
	switch t {
	case TypeNil:
		return "nil"
	case TypeZeroTier:
		return "zerotier"
	case TypeEthernet:
		return "ethernet"
	case TypeWiFiDirect:
		return "wifi-direct"
	case TypeBluetooth:
		return "bluetooth"
	case TypeIP:
		return "ip"
	case TypeIPUDP:
		return "ip-udp"
	case TypeIPTCP:
		return "ip-tcp"
	case TypeIPHTTP:
		return "ip-http"
	default:
		return "unknown"
	}
}

// Endpoint is a tagged-sum physical address. Exactly the fields relevant to
// Type are populated; Encode/Decode are the single dispatch point per
// spec.md §9.
type Endpoint struct {
	Type Type

	// TypeZeroTier
	ZTAddress     identity.Address
	ZTFingerprint [48]byte // SHA-384 of the relay's public key bundle

	// TypeEthernet / TypeWiFiDirect / TypeBluetooth
	MAC [6]byte

	// TypeIP / TypeIPUDP / TypeIPTCP / TypeIPHTTP
	IP   net.IP
	Port uint16
}

// IsNil reports whether this is the nil endpoint variant.
func (e Endpoint) IsNil() bool { return e.Type == TypeNil }

// Encode appends the canonical binary encoding of e to out.
func (e Endpoint) Encode(out []byte) ([]byte, error) {
	out = append(out, byte(e.Type))
	switch e.Type {
	case TypeNil:
		// no payload
	case TypeZeroTier:
		out = append(out, e.ZTAddress[:]...)
		out = append(out, e.ZTFingerprint[:]...)
	case TypeEthernet, TypeWiFiDirect, TypeBluetooth:
		out = append(out, e.MAC[:]...)
	case TypeIP, TypeIPUDP, TypeIPTCP, TypeIPHTTP:
		ip4 := e.IP.To4()
		if ip4 != nil {
			out = append(out, 4)
			out = append(out, ip4...)
		} else {
			ip6 := e.IP.To16()
			if ip6 == nil {
				return nil, errors.New("endpoint: invalid IP address")
			}
			out = append(out, 6)
			out = append(out, ip6...)
		}
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], e.Port)
		out = append(out, portBuf[:]...)
	default:
		return nil, fmt.Errorf("endpoint: unknown type %d", e.Type)
	}
	return out, nil
}

// Decode parses an Endpoint from the front of data, returning the number of
// bytes consumed.
func Decode(data []byte) (Endpoint, int, error) {
	var e Endpoint
	if len(data) < 1 {
		return e, 0, errors.New("endpoint: empty")
	}
	e.Type = Type(data[0])
	off := 1
	switch e.Type {
	case TypeNil:
	case TypeZeroTier:
		if len(data) < off+identity.AddressSize+48 {
			return e, 0, errors.New("endpoint: truncated zerotier endpoint")
		}
		copy(e.ZTAddress[:], data[off:off+identity.AddressSize])
		off += identity.AddressSize
		copy(e.ZTFingerprint[:], data[off:off+48])
		off += 48
	case TypeEthernet, TypeWiFiDirect, TypeBluetooth:
		if len(data) < off+6 {
			return e, 0, errors.New("endpoint: truncated MAC endpoint")
		}
		copy(e.MAC[:], data[off:off+6])
		off += 6
	case TypeIP, TypeIPUDP, TypeIPTCP, TypeIPHTTP:
		if len(data) < off+1 {
			return e, 0, errors.New("endpoint: truncated IP endpoint")
		}
		family := data[off]
		off++
		var ipLen int
		switch family {
		case 4:
			ipLen = 4
		case 6:
			ipLen = 16
		default:
			return e, 0, errors.New("endpoint: unknown IP family")
		}
		if len(data) < off+ipLen+2 {
			return e, 0, errors.New("endpoint: truncated IP address")
		}
		e.IP = append(net.IP(nil), data[off:off+ipLen]...)
		off += ipLen
		e.Port = binary.BigEndian.Uint16(data[off : off+2])
		off += 2
	default:
		return e, 0, fmt.Errorf("endpoint: unknown type %d", e.Type)
	}
	return e, off, nil
}

// Equal reports whether two endpoints are the identical variant and value.
func (e Endpoint) Equal(o Endpoint) bool {
	a, err1 := e.Encode(nil)
	b, err2 := o.Encode(nil)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(a) == string(b)
}
