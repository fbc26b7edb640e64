// The flow-rules engine, spec.md §4.6 "Rules engine"/"MATCH semantics".
// Rules are a flat ordered table; each entry is an ACTION (ids 0-15) or a
// MATCH (ids 16-63) carrying a NOT and an OR modifier in its top two bits,
// per original_source/core/zerotier.h's ZT_VirtualNetworkRuleType layout.
// Evaluation is a single dispatch point over the tagged RuleType, per
// spec.md §9 "avoid class-hierarchy designs".
package vl2

import (
	"encoding/binary"
	"net"

	"github.com/meshcore/hypervisor/identity"
)

// RuleType is both an action and a match selector, depending on its
// numeric range: 0-15 are actions, 16-63 are matches.
type RuleType byte

const (
	ActionDrop RuleType = 0
	ActionAccept RuleType = 1
	ActionTee RuleType = 2
	ActionWatch RuleType = 3
	ActionRedirect RuleType = 4
	ActionBreak RuleType = 5
	ActionPriority RuleType = 6
	maxActionID RuleType = 15

	MatchSourceAddress     RuleType = 24
	MatchDestAddress       RuleType = 25
	MatchVLANID            RuleType = 26
	MatchVLANPCP           RuleType = 27
	MatchVLANDEI           RuleType = 28
	MatchMACSource         RuleType = 29
	MatchMACDest           RuleType = 30
	MatchIPv4Source        RuleType = 31
	MatchIPv4Dest          RuleType = 32
	MatchIPv6Source        RuleType = 33
	MatchIPv6Dest          RuleType = 34
	MatchIPTOS             RuleType = 35
	MatchIPProtocol        RuleType = 36
	MatchEthertype         RuleType = 37
	MatchICMP              RuleType = 38
	MatchIPSourcePortRange RuleType = 39
	MatchIPDestPortRange   RuleType = 40
	MatchCharacteristics   RuleType = 41
	MatchFrameSizeRange    RuleType = 42
	MatchRandom            RuleType = 43
	MatchTagsDifference    RuleType = 44
	MatchTagsBitwiseAnd    RuleType = 45
	MatchTagsBitwiseOr     RuleType = 46
	MatchTagsBitwiseXor    RuleType = 47
	MatchTagsEqual         RuleType = 48
	MatchTagSender         RuleType = 49
	MatchTagReceiver       RuleType = 50
	MatchIntegerRange      RuleType = 51
)

// IsAction reports whether t is an ACTION entry rather than a MATCH entry.
func (t RuleType) IsAction() bool { return t <= maxActionID }

// Packet characteristic flags matched by MatchCharacteristics, per
// original_source/core/zerotier.h ZT_RULE_PACKET_CHARACTERISTICS_*.
const (
	CharacteristicInbound               uint64 = 1 << 63
	CharacteristicMulticast             uint64 = 1 << 62
	CharacteristicBroadcast             uint64 = 1 << 61
	CharacteristicSenderIPAuthenticated uint64 = 1 << 60
	CharacteristicSenderMACAuthenticated uint64 = 1 << 59
	CharacteristicTCPSyn                uint64 = 1 << 1
	CharacteristicTCPAck                uint64 = 1 << 4
	CharacteristicTCPFin                uint64 = 1
)

// TagOperator selects how MatchTagsDifference and friends combine a
// sender's and a receiver's tag values, spec.md §4.6 "MATCH semantics".
type TagOperator byte

const (
	TagOpDifference TagOperator = iota
	TagOpAnd
	TagOpOr
	TagOpXor
	TagOpEqual
	TagOpSenderOnly
	TagOpReceiverOnly
)

// IntFormat packs the width (1-64 bits, encoded as width-1 in the low 6
// bits) and endianness (bit 7, set for little-endian) of an integer-range
// match, mirroring ZT_VirtualNetworkRule's intRange.format field.
type IntFormat uint8

func (f IntFormat) bits() uint        { return uint(f&0x3f) + 1 }
func (f IntFormat) littleEndian() bool { return f&0x80 != 0 }

// Rule is one entry of a network's flow-rules table. Value carries the
// type-specific payload (MAC, IP+mask, integer range fields, etc); its
// contents are interpreted only by dispatch in Match and Encode/Decode,
// per spec.md §9's single-dispatch-point guidance.
type Rule struct {
	Type  RuleType
	Not   bool
	Or    bool
	Value []byte
}

// helper constructors for the match kinds exercised by this module and
// its tests; callers needing another MATCH kind can populate Value
// directly against the wire layouts dispatched in Match.

func NewEthertypeRule(etherType uint16, not bool) Rule {
	v := make([]byte, 2)
	binary.BigEndian.PutUint16(v, etherType)
	return Rule{Type: MatchEthertype, Not: not, Value: v}
}

func NewCharacteristicsRule(flags uint64, not bool) Rule {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, flags)
	return Rule{Type: MatchCharacteristics, Not: not, Value: v}
}

func NewMACRule(dest bool, mac [6]byte, not bool) Rule {
	t := MatchMACSource
	if dest {
		t = MatchMACDest
	}
	return Rule{Type: t, Not: not, Value: append([]byte(nil), mac[:]...)}
}

func NewIPv4Rule(dest bool, ip net.IP, maskBits uint8, not bool) Rule {
	t := MatchIPv4Source
	if dest {
		t = MatchIPv4Dest
	}
	v := append([]byte(nil), ip.To4()...)
	v = append(v, maskBits)
	return Rule{Type: t, Not: not, Value: v}
}

func NewIntegerRangeRule(idx uint16, format IntFormat, start uint64, end uint32, not bool) Rule {
	v := make([]byte, 15)
	binary.BigEndian.PutUint64(v[0:8], start)
	binary.BigEndian.PutUint32(v[8:12], end)
	binary.BigEndian.PutUint16(v[12:14], idx)
	v[14] = byte(format)
	return Rule{Type: MatchIntegerRange, Not: not, Value: v}
}

func NewTagMatchRule(kind RuleType, tagID uint32, operand uint64, not bool) Rule {
	v := make([]byte, 12)
	binary.BigEndian.PutUint32(v[0:4], tagID)
	binary.BigEndian.PutUint64(v[4:12], operand)
	return Rule{Type: kind, Not: not, Value: v}
}

// Encode appends the wire encoding of r to out: one tag byte (type with
// NOT in bit 7, OR in bit 6) followed by a 2-byte length-prefixed value.
func (r Rule) Encode(out []byte) []byte {
	tag := byte(r.Type) & 0x3f
	if r.Not {
		tag |= 0x80
	}
	if r.Or {
		tag |= 0x40
	}
	out = append(out, tag)
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(r.Value)))
	out = append(out, lb[:]...)
	return append(out, r.Value...)
}

// DecodeRule parses one rule entry from the front of data.
func DecodeRule(data []byte) (Rule, []byte, error) {
	if len(data) < 3 {
		return Rule{}, nil, DecodeError{"short rule"}
	}
	tag := data[0]
	r := Rule{Type: RuleType(tag & 0x3f), Not: tag&0x80 != 0, Or: tag&0x40 != 0}
	n := binary.BigEndian.Uint16(data[1:3])
	data = data[3:]
	if uint16(len(data)) < n {
		return Rule{}, nil, DecodeError{"short rule value"}
	}
	r.Value = append([]byte(nil), data[:n]...)
	return r, data[n:], nil
}

// EvalContext is the frame and surrounding state a rules table is
// evaluated against, spec.md §4.6 "MATCH semantics".
type EvalContext struct {
	EtherType      uint16
	SourceMAC      [6]byte
	DestMAC        [6]byte
	SourceIP       net.IP
	DestIP         net.IP
	Characteristics uint64
	SourcePort     uint16
	DestPort       uint16
	FrameSize      int
	RawPayload     []byte // for integer-range matches
	SourceZT       identity.Address
	DestZT         identity.Address
	SenderTags     map[uint32]uint32
	ReceiverTags   map[uint32]uint32
	VLANID         uint16
	VLANPCP        uint8
	VLANDEI        uint8
	Random         uint32 // caller-supplied draw for MatchRandom, [0, 2^32)
}

// rawMatch evaluates r's type-specific condition against ctx, ignoring
// the NOT modifier (applied by the caller).
func rawMatch(r Rule, ctx *EvalContext) bool {
	switch r.Type {
	case MatchEthertype:
		return len(r.Value) >= 2 && binary.BigEndian.Uint16(r.Value) == ctx.EtherType
	case MatchCharacteristics:
		return len(r.Value) >= 8 && binary.BigEndian.Uint64(r.Value)&ctx.Characteristics != 0
	case MatchMACSource:
		return len(r.Value) >= 6 && macEqual(r.Value, ctx.SourceMAC)
	case MatchMACDest:
		return len(r.Value) >= 6 && macEqual(r.Value, ctx.DestMAC)
	case MatchIPv4Source:
		return ipMaskEqual(r.Value, ctx.SourceIP)
	case MatchIPv4Dest:
		return ipMaskEqual(r.Value, ctx.DestIP)
	case MatchIPv6Source:
		return ipMaskEqual(r.Value, ctx.SourceIP)
	case MatchIPv6Dest:
		return ipMaskEqual(r.Value, ctx.DestIP)
	case MatchSourceAddress:
		return len(r.Value) >= identity.AddressSize && addressEqual(r.Value, ctx.SourceZT)
	case MatchDestAddress:
		return len(r.Value) >= identity.AddressSize && addressEqual(r.Value, ctx.DestZT)
	case MatchIPSourcePortRange:
		return len(r.Value) >= 4 && portInRange(r.Value, ctx.SourcePort)
	case MatchIPDestPortRange:
		return len(r.Value) >= 4 && portInRange(r.Value, ctx.DestPort)
	case MatchFrameSizeRange:
		return len(r.Value) >= 4 && frameSizeInRange(r.Value, ctx.FrameSize)
	case MatchVLANID:
		return len(r.Value) >= 2 && binary.BigEndian.Uint16(r.Value) == ctx.VLANID
	case MatchVLANPCP:
		return len(r.Value) >= 1 && r.Value[0] == ctx.VLANPCP
	case MatchVLANDEI:
		return len(r.Value) >= 1 && r.Value[0] == ctx.VLANDEI
	case MatchRandom:
		return len(r.Value) >= 4 && ctx.Random < binary.BigEndian.Uint32(r.Value)
	case MatchIntegerRange:
		return matchIntegerRange(r.Value, ctx.RawPayload)
	case MatchTagsDifference, MatchTagsBitwiseAnd, MatchTagsBitwiseOr,
		MatchTagsBitwiseXor, MatchTagsEqual, MatchTagSender, MatchTagReceiver:
		return matchTags(r, ctx)
	default:
		return false
	}
}

func macEqual(v []byte, mac [6]byte) bool {
	for i := 0; i < 6; i++ {
		if v[i] != mac[i] {
			return false
		}
	}
	return true
}

func addressEqual(v []byte, a identity.Address) bool {
	for i := 0; i < identity.AddressSize; i++ {
		if v[i] != a[i] {
			return false
		}
	}
	return true
}

func ipMaskEqual(v []byte, ip net.IP) bool {
	if len(v) < 1 || ip == nil {
		return false
	}
	maskBits := int(v[len(v)-1])
	addr := v[:len(v)-1]
	ip4 := ip.To4()
	var candidate net.IP
	if len(addr) == 4 {
		candidate = ip4
	} else {
		candidate = ip.To16()
	}
	if candidate == nil {
		return false
	}
	mask := net.CIDRMask(maskBits, len(addr)*8)
	return candidate.Mask(mask).Equal(net.IP(addr).Mask(mask))
}

func portInRange(v []byte, port uint16) bool {
	lo := binary.BigEndian.Uint16(v[0:2])
	hi := binary.BigEndian.Uint16(v[2:4])
	return port >= lo && port <= hi
}

func frameSizeInRange(v []byte, size int) bool {
	lo := binary.BigEndian.Uint16(v[0:2])
	hi := binary.BigEndian.Uint16(v[2:4])
	return size >= int(lo) && size <= int(hi)
}

// matchIntegerRange reads a 1-64 bit big- or little-endian integer from
// payload at the encoded offset and tests it against [start, start+end],
// spec.md §4.6 "integer-range matches read a big-endian or little-endian
// integer of 1-64 bits at a packet offset".
func matchIntegerRange(v []byte, payload []byte) bool {
	if len(v) < 15 {
		return false
	}
	start := binary.BigEndian.Uint64(v[0:8])
	width := binary.BigEndian.Uint32(v[8:12])
	idx := binary.BigEndian.Uint16(v[12:14])
	format := IntFormat(v[14])
	bits := format.bits()
	nbytes := (bits + 7) / 8
	if int(idx)+int(nbytes) > len(payload) {
		return false
	}
	raw := payload[idx : idx+uint16(nbytes)]
	var val uint64
	if format.littleEndian() {
		for i := len(raw) - 1; i >= 0; i-- {
			val = val<<8 | uint64(raw[i])
		}
	} else {
		for _, b := range raw {
			val = val<<8 | uint64(b)
		}
	}
	return val >= start && val <= start+uint64(width)
}

// matchTags combines the sender's and receiver's tag tables per the
// operator implied by r.Type. An unknown tag on either side for a
// difference-style match is undefined and counts as no-match unless
// NOT-inverted, spec.md §4.6.
func matchTags(r Rule, ctx *EvalContext) bool {
	if len(r.Value) < 12 {
		return false
	}
	tagID := binary.BigEndian.Uint32(r.Value[0:4])
	operand := binary.BigEndian.Uint64(r.Value[4:12])

	senderVal, senderOK := ctx.SenderTags[tagID]
	receiverVal, receiverOK := ctx.ReceiverTags[tagID]

	switch r.Type {
	case MatchTagSender:
		return senderOK && uint64(senderVal) == operand
	case MatchTagReceiver:
		return receiverOK && uint64(receiverVal) == operand
	}
	if !senderOK || !receiverOK {
		// undefined: blocks ACCEPT unless NOT-inverted, per spec.md §4.6.
		return false
	}
	switch r.Type {
	case MatchTagsDifference:
		diff := int64(senderVal) - int64(receiverVal)
		if diff < 0 {
			diff = -diff
		}
		return uint64(diff) <= operand
	case MatchTagsBitwiseAnd:
		return uint64(senderVal&receiverVal) == operand
	case MatchTagsBitwiseOr:
		return uint64(senderVal|receiverVal) == operand
	case MatchTagsBitwiseXor:
		return uint64(senderVal^receiverVal) == operand
	case MatchTagsEqual:
		return senderVal == receiverVal
	default:
		return false
	}
}

// Verdict is the result of evaluating a rules table against a frame.
type Verdict struct {
	Accept         bool
	Observer       identity.Address
	HasObserver    bool
	WatchAck       bool
	Redirect       bool
	RedirectTarget identity.Address
	Priority       uint8
	HasPriority    bool
	CapabilityID   uint32
	HasCapability  bool
}

// Evaluate runs table against ctx per spec.md §4.6's running-boolean
// algorithm: for each MATCH, compute raw match, apply NOT, and combine via
// AND (default) or OR (if the entry's OR bit is set and the previous
// entry was also a MATCH); when an ACTION is reached, fire it if acc is
// true and reset acc to true for the next block regardless. A fired
// ACCEPT, DROP, REDIRECT or BREAK ends evaluation; TEE, WATCH and PRIORITY
// record their effect and evaluation continues. Default verdict if the
// table ends with no ACCEPT is DROP.
func Evaluate(table []Rule, ctx *EvalContext) Verdict {
	var v Verdict
	acc := true
	prevWasMatch := false
	for _, r := range table {
		if !r.Type.IsAction() {
			m := rawMatch(r, ctx)
			if r.Not {
				m = !m
			}
			if r.Or && prevWasMatch {
				acc = acc || m
			} else {
				acc = acc && m
			}
			prevWasMatch = true
			continue
		}
		prevWasMatch = false
		if acc {
			fireAction(r, ctx, &v)
			switch r.Type {
			case ActionAccept, ActionDrop, ActionRedirect, ActionBreak:
				return v
			}
		}
		acc = true
	}
	return v
}

func fireAction(r Rule, ctx *EvalContext, v *Verdict) {
	switch r.Type {
	case ActionDrop:
		v.Accept = false
	case ActionAccept:
		v.Accept = true
	case ActionTee:
		if len(r.Value) >= identity.AddressSize {
			copy(v.Observer[:], r.Value)
			v.HasObserver = true
		}
	case ActionWatch:
		if len(r.Value) >= identity.AddressSize {
			copy(v.Observer[:], r.Value)
			v.HasObserver = true
			v.WatchAck = true
		}
	case ActionRedirect:
		v.Accept = false
		v.Redirect = true
		if len(r.Value) >= identity.AddressSize {
			copy(v.RedirectTarget[:], r.Value)
		}
	case ActionPriority:
		if len(r.Value) >= 1 {
			v.Priority = r.Value[0]
			v.HasPriority = true
		}
	}
}

// EvaluateWithCapabilities runs the base rules table, then each of caps in
// turn as an independent sub-rule-set; a capability ACCEPT grants access
// the base table did not, and its ID is recorded for trace, per spec.md
// §4.6 "Capabilities are evaluated as sub-rule-sets...".
func EvaluateWithCapabilities(table []Rule, caps []Capability, ctx *EvalContext) Verdict {
	v := Evaluate(table, ctx)
	if v.Accept {
		return v
	}
	for _, cap := range caps {
		cv := Evaluate(cap.Rules, ctx)
		if cv.Accept {
			cv.CapabilityID = cap.ID
			cv.HasCapability = true
			return cv
		}
	}
	return v
}
