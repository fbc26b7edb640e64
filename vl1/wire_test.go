package vl1

import (
	"bytes"
	"testing"

	"github.com/meshcore/hypervisor/identity"
)

func TestHeaderRoundTrip(t *testing.T) {
	var dst, src identity.Address
	dst[0], dst[4] = 0x01, 0x02
	src[0], src[4] = 0x03, 0x04
	h := Header{PacketID: 0x0102030405060708, Destination: dst, Source: src}
	h.fhc = makeFlagsHopsCipher(3, true, byte(1))
	h.MAC = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

	pkt := BuildPacket(h, []byte("payload"))
	got, rest, err := ParseHeader(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if got.PacketID != h.PacketID || got.Destination != h.Destination || got.Source != h.Source {
		t.Fatalf("header mismatch: %+v vs %+v", got, h)
	}
	if got.Hops() != 3 || !got.Fragmented() || got.Cipher() != 1 {
		t.Fatalf("flags/hops/cipher mismatch: hops=%d frag=%v cipher=%d", got.Hops(), got.Fragmented(), got.Cipher())
	}
	if got.MAC != h.MAC {
		t.Fatal("MAC not preserved")
	}
	if !bytes.Equal(rest, []byte("payload")) {
		t.Fatalf("payload mismatch: %q", rest)
	}
}

func TestIncrementHopsCapsAtMaxHops(t *testing.T) {
	h := Header{}
	h.fhc = makeFlagsHopsCipher(MaxHops, false, 0)
	if _, ok := h.IncrementHops(); ok {
		t.Fatal("expected IncrementHops to refuse at MaxHops")
	}
	h.fhc = makeFlagsHopsCipher(MaxHops-1, false, 0)
	next, ok := h.IncrementHops()
	if !ok || next.Hops() != MaxHops {
		t.Fatalf("expected hop count to reach MaxHops, got %d ok=%v", next.Hops(), ok)
	}
}

func TestFragmentRoundTrip(t *testing.T) {
	var src identity.Address
	src[2] = 0x42
	f := Fragment{PacketID: 0xaabbccdd, Source: src, FragmentIndex: 2, FragmentCount: 4, Payload: []byte("chunk")}
	enc := EncodeFragment(f)
	if !IsFragment(enc) {
		t.Fatal("expected encoded fragment to be recognized as a fragment")
	}
	got, err := DecodeFragment(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.PacketID != f.PacketID || got.Source != f.Source || got.FragmentIndex != f.FragmentIndex || got.FragmentCount != f.FragmentCount {
		t.Fatalf("fragment mismatch: %+v vs %+v", got, f)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestIsFragmentRejectsWholePacket(t *testing.T) {
	h := Header{}
	pkt := BuildPacket(h, []byte("x"))
	if IsFragment(pkt) {
		t.Fatal("a whole packet's leading packet-ID byte collided with the fragment marker")
	}
}
