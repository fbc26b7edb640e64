// Multicast subscription tracking, spec.md §4.6 "Multicast": per-network
// (MAC, ADI) subscriptions, propagated via the controller-provided gather
// list with a per-group fan-out cap. Subscriber dedup uses the teacher's
// bloom-filter approach (network/bloomfilter.go), adapted from a
// public-key-keyed filter to an identity.Address-keyed one.
package vl2

import (
	"encoding/binary"

	bloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/meshcore/hypervisor/identity"
)

// multicastFilterBits and multicastFilterHashes match the teacher's sizing
// (8192 bits, 22 hash functions) for a comparable false-positive rate at
// the expected subscriber-set scale of one virtual network.
const (
	multicastFilterBits   = 8192
	multicastFilterHashes = 22
)

// Group identifies a multicast group within a network: a 48-bit MAC plus
// an "additional distinguishing information" value, spec.md §4.6.
type Group struct {
	MAC [6]byte
	ADI uint32
}

// subscriberFilter is a bloom filter over subscriber addresses, used to
// cheaply skip re-adding a node already known to be in a group's gather
// list without keeping the full address set in memory.
type subscriberFilter struct {
	filter *bloom.BloomFilter
}

func newSubscriberFilter() *subscriberFilter {
	return &subscriberFilter{filter: bloom.New(multicastFilterBits, multicastFilterHashes)}
}

func (f *subscriberFilter) add(addr identity.Address) {
	f.filter.Add(addr[:])
}

func (f *subscriberFilter) has(addr identity.Address) bool {
	return f.filter.Test(addr[:])
}

// subscription tracks one multicast group's known subscriber list (capped
// at the fan-out limit) plus a bloom filter over everyone ever seen, so
// MULTICAST_LIKE announcements the controller has already relayed to a
// given subscriber are not re-propagated.
type subscription struct {
	members []identity.Address
	seen    *subscriberFilter
}

func newSubscription() *subscription {
	return &subscription{seen: newSubscriberFilter()}
}

// MulticastTable tracks a single network's multicast subscriptions:
// which groups this node has liked, and (for the controller role) which
// remote addresses have liked which groups, bounded by fanoutCap.
type MulticastTable struct {
	fanoutCap int
	liked     map[Group]struct{}
	groups    map[Group]*subscription
}

// NewMulticastTable constructs an empty table with the given per-group
// fan-out cap.
func NewMulticastTable(fanoutCap int) *MulticastTable {
	return &MulticastTable{
		fanoutCap: fanoutCap,
		liked:     make(map[Group]struct{}),
		groups:    make(map[Group]*subscription),
	}
}

// Like records that this node wants traffic for g (MULTICAST_LIKE sent
// outbound). Idempotent.
func (t *MulticastTable) Like(g Group) {
	t.liked[g] = struct{}{}
}

// Unlike withdraws this node's own subscription to g.
func (t *MulticastTable) Unlike(g Group) {
	delete(t.liked, g)
}

// IsLiked reports whether this node currently subscribes to g.
func (t *MulticastTable) IsLiked(g Group) bool {
	_, ok := t.liked[g]
	return ok
}

// LikedGroups returns a snapshot of this node's own subscriptions.
func (t *MulticastTable) LikedGroups() []Group {
	out := make([]Group, 0, len(t.liked))
	for g := range t.liked {
		out = append(out, g)
	}
	return out
}

// RecordLike adds source to g's gather list, bounded by the fan-out cap.
// Returns false if source was already known for g (so the caller, acting
// as controller, skips re-propagating it) or if the cap was reached.
func (t *MulticastTable) RecordLike(g Group, source identity.Address) bool {
	sub, ok := t.groups[g]
	if !ok {
		sub = newSubscription()
		t.groups[g] = sub
	}
	if sub.seen.has(source) {
		return false
	}
	sub.seen.add(source)
	if len(sub.members) >= t.fanoutCap {
		return false
	}
	sub.members = append(sub.members, source)
	return true
}

// GatherList returns the current fan-out-capped subscriber list for g.
func (t *MulticastTable) GatherList(g Group) []identity.Address {
	sub, ok := t.groups[g]
	if !ok {
		return nil
	}
	return append([]identity.Address(nil), sub.members...)
}

// EncodeGroup appends the wire encoding of a MULTICAST_LIKE entry.
func EncodeGroup(out []byte, g Group) []byte {
	out = append(out, g.MAC[:]...)
	var adi [4]byte
	binary.BigEndian.PutUint32(adi[:], g.ADI)
	return append(out, adi[:]...)
}

// DecodeGroup parses one MULTICAST_LIKE entry from the front of data.
func DecodeGroup(data []byte) (Group, []byte, error) {
	if len(data) < 10 {
		return Group{}, nil, DecodeError{"short multicast group"}
	}
	var g Group
	copy(g.MAC[:], data[:6])
	g.ADI = binary.BigEndian.Uint32(data[6:10])
	return g, data[10:], nil
}

// BroadcastMAC is the MAC of the groups IPv4 ARP scalability needs a
// distinct ADI per held address for, spec.md §4.6: "the driver must subscribe to the
// broadcast MAC with an ADI equal to each held IPv4 address".
var BroadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// BroadcastGroupForIPv4 builds the broadcast-MAC group the driver should
// like for ARP scalability on the given IPv4 address.
func BroadcastGroupForIPv4(ipv4 [4]byte) Group {
	return Group{MAC: BroadcastMAC, ADI: binary.BigEndian.Uint32(ipv4[:])}
}
