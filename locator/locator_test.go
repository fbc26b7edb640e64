package locator

import (
	"net"
	"testing"

	"github.com/meshcore/hypervisor/endpoint"
	"github.com/meshcore/hypervisor/identity"
)

func TestCreateVerifyMarshalRoundTrip(t *testing.T) {
	signer, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	eps := []endpoint.Endpoint{
		{Type: endpoint.TypeIPUDP, IP: net.ParseIP("198.51.100.1"), Port: 9993},
	}
	loc, err := Create(1000, eps, signer)
	if err != nil {
		t.Fatal(err)
	}
	if !loc.Verify(signer) {
		t.Fatal("locator failed to verify against its signer")
	}
	bs, err := loc.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Unmarshal(bs)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Verify(signer) {
		t.Fatal("round-tripped locator failed to verify")
	}
	if parsed.Timestamp != loc.Timestamp || len(parsed.Endpoints) != len(loc.Endpoints) {
		t.Fatal("round trip lost data")
	}
}

func TestCreateRejectsTooManyEndpoints(t *testing.T) {
	signer, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	eps := make([]endpoint.Endpoint, MaxEndpoints+1)
	if _, err := Create(1, eps, signer); err == nil {
		t.Fatal("expected an error for more than MaxEndpoints endpoints")
	}
}
