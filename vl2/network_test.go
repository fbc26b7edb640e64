package vl2

import (
	"testing"
	"time"

	"github.com/meshcore/hypervisor/identity"
)

// TestRequestingConfigurationUntilConfigArrives mirrors spec.md §8 scenario
// 3: a freshly joined network starts (and stays) REQUESTING_CONFIGURATION
// until a NETWORK_CONFIG reply installs a config.
func TestRequestingConfigurationUntilConfigArrives(t *testing.T) {
	n := NewNetwork(0xfada000000000001, nil)
	if n.Status() != StatusRequestingConfiguration {
		t.Fatal("a freshly joined network must start REQUESTING_CONFIGURATION")
	}
	now := time.Now()
	n.RequestPayload(now)
	if n.Status() != StatusRequestingConfiguration {
		t.Fatal("status must not change merely from sending the request")
	}
}

func TestHandleConfigTransitionsToOK(t *testing.T) {
	controller, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	n := NewNetwork(0xfada000000000001, nil)
	cfg := &Config{Timestamp: time.Now().UnixMilli(), Rules: []Rule{{Type: ActionAccept}}}
	if err := cfg.Sign(controller); err != nil {
		t.Fatal(err)
	}
	payload := cfg.Encode(nil)
	if err := n.HandleConfig(payload, controller); err != nil {
		t.Fatal(err)
	}
	if n.Status() != StatusOK {
		t.Fatalf("expected status OK after a verified config, got %v", n.Status())
	}
	v := n.EvaluateFrame(&EvalContext{})
	if !v.Accept {
		t.Fatal("installed rules table should accept all frames")
	}
}

func TestAccessDeniedBlocksTraffic(t *testing.T) {
	n := NewNetwork(0xfada000000000001, nil)
	n.HandleAccessDenied()
	if n.Status() != StatusAccessDenied {
		t.Fatal("expected ACCESS_DENIED")
	}
	if n.EvaluateFrame(&EvalContext{}).Accept {
		t.Fatal("no traffic may flow while ACCESS_DENIED")
	}
}

func TestNotFoundIsTerminalUntilRejoin(t *testing.T) {
	n := NewNetwork(0xfada000000000001, nil)
	n.HandleNotFound()
	if n.Status() != StatusNotFound {
		t.Fatal("expected NOT_FOUND")
	}
	n.Rejoin(time.Now())
	if n.Status() != StatusRequestingConfiguration {
		t.Fatal("rejoin must reset to REQUESTING_CONFIGURATION")
	}
}

func TestMemberCredentialRevocationIsImmediate(t *testing.T) {
	controller, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	member, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	n := NewNetwork(0xfada000000000001, nil)
	com := &COM{NetworkID: n.ID, Timestamp: time.Now().UnixMilli(), MaxDelta: int64(time.Hour / time.Millisecond), Member: member.Address()}
	if err := com.Sign(controller); err != nil {
		t.Fatal(err)
	}
	if err := n.InstallMemberCredential(member.Address(), com, nil, controller); err != nil {
		t.Fatal(err)
	}
	if !n.IsMember(member.Address()) {
		t.Fatal("member should be recognized after a verified COM")
	}
	rev := &Revocation{NetworkID: n.ID, Timestamp: time.Now().UnixMilli(), Target: member.Address(), CredentialKind: CredentialCOM}
	if err := rev.Sign(controller); err != nil {
		t.Fatal(err)
	}
	if err := n.Revoke(rev, controller); err != nil {
		t.Fatal(err)
	}
	if n.IsMember(member.Address()) {
		t.Fatal("member should no longer be recognized once revoked")
	}
}

func TestControllerAddressIsHigh40Bits(t *testing.T) {
	const networkID = 0xfada000000000001
	addr := ControllerAddress(networkID)
	want := identity.Address{0xfa, 0xda, 0x00, 0x00, 0x00}
	if addr != want {
		t.Fatalf("expected controller address %x, got %x", want, addr)
	}
}
