package peer

import (
	"net"
	"testing"
	"time"

	"github.com/meshcore/hypervisor/endpoint"
	"github.com/meshcore/hypervisor/identity"
	"github.com/meshcore/hypervisor/path"
)

func TestSessionKeyDerivationSymmetric(t *testing.T) {
	idA, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	nonce, err := NewSessionNonce()
	if err != nil {
		t.Fatal(err)
	}
	pA := New(idB)
	pB := New(idA)
	if err := pA.DeriveSessionKeys(idA, nonce, true); err != nil {
		t.Fatal(err)
	}
	if err := pB.DeriveSessionKeys(idB, nonce, false); err != nil {
		t.Fatal(err)
	}
	if pA.Keys().Send != pB.Keys().Receive || pA.Keys().Receive != pB.Keys().Send {
		t.Fatal("initiator's send key must equal responder's receive key, and vice versa")
	}
}

func TestAddPathCapsAtMaxPaths(t *testing.T) {
	id, _ := identity.Generate(identity.TypeC25519)
	p := New(id)
	now := time.Now()
	for i := 0; i < MaxPaths+4; i++ {
		p.AddPath(&path.Path{
			Local:    path.LocalSocket(i),
			Remote:   endpoint.Endpoint{Type: endpoint.TypeIPUDP, IP: net.ParseIP("198.51.100.1"), Port: uint16(i + 1)},
			Promoted: true,
			LastRecv: now,
		})
	}
	if len(p.Paths()) > MaxPaths {
		t.Fatalf("expected at most %d paths, got %d", MaxPaths, len(p.Paths()))
	}
}

func TestRateLimiterConverges(t *testing.T) {
	id, _ := identity.Generate(identity.TypeC25519)
	p := New(id)
	p.SetRateLimit(RateLimitWHOIS, 100, 1)
	admitted := 0
	for i := 0; i < 1000; i++ {
		if p.Admit(RateLimitWHOIS) {
			admitted++
		}
	}
	if admitted == 0 || admitted == 1000 {
		t.Fatalf("expected rate limiting to admit some but not all of 1000 rapid requests, admitted %d", admitted)
	}
}
