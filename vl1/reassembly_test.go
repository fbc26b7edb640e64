package vl1

import (
	"bytes"
	"testing"
	"time"

	"github.com/meshcore/hypervisor/identity"
)

func TestReassembleTwoFragments(t *testing.T) {
	r := NewReassembler()
	now := time.Now()
	var src identity.Address
	src[0] = 0x10
	h := Header{PacketID: 7, Source: src}

	if _, _, complete := r.AddFirst(now, h, []byte("hello-"), 2); complete {
		t.Fatal("should not be complete after only the first fragment")
	}
	gotHdr, body, complete := r.AddFragment(now, src, Fragment{PacketID: 7, Source: src, FragmentIndex: 1, FragmentCount: 2, Payload: []byte("world")})
	if !complete {
		t.Fatal("expected reassembly to complete after the second fragment")
	}
	if gotHdr.PacketID != 7 {
		t.Fatalf("expected reassembled header to carry packet ID 7, got %d", gotHdr.PacketID)
	}
	if !bytes.Equal(body, []byte("hello-world")) {
		t.Fatalf("got %q", body)
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	r := NewReassembler()
	now := time.Now()
	var src identity.Address
	src[0] = 0x20
	h := Header{PacketID: 9, Source: src}

	if _, _, complete := r.AddFragment(now, src, Fragment{PacketID: 9, Source: src, FragmentIndex: 1, FragmentCount: 2, Payload: []byte("B")}); complete {
		t.Fatal("should not be complete before the first fragment arrives")
	}
	_, body, complete := r.AddFirst(now, h, []byte("A"), 2)
	if !complete {
		t.Fatal("expected reassembly to complete once the first fragment arrives")
	}
	if string(body) != "AB" {
		t.Fatalf("got %q", body)
	}
}

func TestReassemblyEvictsAfterTimeout(t *testing.T) {
	r := NewReassembler()
	now := time.Now()
	var src identity.Address
	src[0] = 0x30
	h := Header{PacketID: 1, Source: src}
	r.AddFirst(now, h, []byte("partial"), 3)

	later := now.Add(ReassemblyTimeout * 2)
	// Trigger eviction sweep via an unrelated insert.
	var other identity.Address
	other[0] = 0x31
	r.AddFirst(later, Header{PacketID: 2, Source: other}, []byte("x"), 0)

	if _, ok := r.entries[reassemblyKey{source: src, packetID: 1}]; ok {
		t.Fatal("expected the stale partial packet to have been evicted")
	}
}

// TestReassemblyEvictsExpiredEvenAfterLateTouch reproduces a gap where
// touching a stale entry (a late or duplicate fragment arriving for an
// incomplete, overdue reassembly) moved it to the front of the LRU list
// and made it invisible to the time-based sweep, since the sweep only
// inspected the back of that same list. A's deadline is unaffected by
// being touched, so it must still be swept once it passes, even though a
// younger, not-yet-expired entry (B) sits behind it in LRU order.
func TestReassemblyEvictsExpiredEvenAfterLateTouch(t *testing.T) {
	r := NewReassembler()
	now := time.Now()
	var a, b identity.Address
	a[0] = 0x40
	b[0] = 0x41

	r.AddFirst(now, Header{PacketID: 1, Source: a}, []byte("a"), 3)
	r.AddFirst(now.Add(100*time.Millisecond), Header{PacketID: 2, Source: b}, []byte("b"), 3)

	// A late, still-incomplete fragment touches A, moving it to the front
	// of the LRU list without changing its deadline.
	r.AddFragment(now.Add(200*time.Millisecond), a, Fragment{PacketID: 1, Source: a, FragmentIndex: 1, FragmentCount: 3, Payload: []byte("x")})

	// A has now expired (deadline = now+500ms) but B has not (deadline =
	// now+100ms+500ms = now+600ms).
	sweepAt := now.Add(550 * time.Millisecond)
	var c identity.Address
	c[0] = 0x42
	r.AddFirst(sweepAt, Header{PacketID: 3, Source: c}, []byte("c"), 0)

	if _, ok := r.entries[reassemblyKey{source: a, packetID: 1}]; ok {
		t.Fatal("expected A to be evicted once its deadline passed, even though it was touched after B")
	}
	if _, ok := r.entries[reassemblyKey{source: b, packetID: 2}]; !ok {
		t.Fatal("expected B to survive the sweep since its deadline had not yet passed")
	}
}
