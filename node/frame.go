package node

import (
	"encoding/binary"
	"errors"

	"github.com/meshcore/hypervisor/vl2"
)

// frame is the body format carried by FRAME/EXT_FRAME and the frame half of
// MULTICAST_FRAME, once vl1 has stripped the leading network ID: source MAC,
// destination MAC, EtherType, VLAN ID, then the raw Ethernet payload,
// spec.md §4.6.
type frame struct {
	SourceMAC [6]byte
	DestMAC   [6]byte
	EtherType uint16
	VLANID    uint16
	Payload   []byte
}

const frameHeaderSize = 6 + 6 + 2 + 2

func encodeFrame(f frame) []byte {
	out := make([]byte, 0, frameHeaderSize+len(f.Payload))
	out = append(out, f.SourceMAC[:]...)
	out = append(out, f.DestMAC[:]...)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], f.EtherType)
	out = append(out, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], f.VLANID)
	out = append(out, u16[:]...)
	out = append(out, f.Payload...)
	return out
}

func decodeFrame(data []byte) (frame, error) {
	if len(data) < frameHeaderSize {
		return frame{}, errors.New("node: frame shorter than header")
	}
	var f frame
	copy(f.SourceMAC[:], data[0:6])
	copy(f.DestMAC[:], data[6:12])
	f.EtherType = binary.BigEndian.Uint16(data[12:14])
	f.VLANID = binary.BigEndian.Uint16(data[14:16])
	f.Payload = append([]byte(nil), data[frameHeaderSize:]...)
	return f, nil
}

// encodeExtFrame wraps a frame with an optional inline Certificate of
// Membership: EXT_FRAME carries the sender's current COM so a receiving
// member can install it without a separate round trip to the controller,
// the original ZeroTier EXT_FRAME design original_source/node/Network.cpp
// implements and spec.md §4.5 names as a distinct VL2 carrier verb from
// plain FRAME.
func encodeExtFrame(f frame, com *vl2.COM) []byte {
	var out []byte
	if com != nil {
		out = append(out, 1)
		out = com.Encode(out)
	} else {
		out = append(out, 0)
	}
	return append(out, encodeFrame(f)...)
}

// decodeExtFrame parses an EXT_FRAME body: the optional inline COM
// followed by the same fields as a plain FRAME.
func decodeExtFrame(data []byte) (frame, *vl2.COM, error) {
	if len(data) < 1 {
		return frame{}, nil, errors.New("node: ext frame missing COM flag")
	}
	hasCOM := data[0]
	data = data[1:]
	var com *vl2.COM
	if hasCOM == 1 {
		var err error
		com, data, err = vl2.DecodeCOM(data)
		if err != nil {
			return frame{}, nil, err
		}
	}
	f, err := decodeFrame(data)
	if err != nil {
		return frame{}, nil, err
	}
	return f, com, nil
}
