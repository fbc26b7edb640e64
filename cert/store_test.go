package cert

import (
	"testing"

	"github.com/meshcore/hypervisor/identity"
)

func makeCert(t *testing.T, issuer *identity.Identity, subj *identity.Identity, ts int64) *Certificate {
	t.Helper()
	c := &Certificate{
		NotBefore: 0,
		NotAfter:  1 << 40,
		Subject: Subject{
			Timestamp:  ts,
			Identities: []IdentityLocatorPair{{Identity: subj}},
		},
		Issuer:        issuer,
		MaxPathLength: 8,
	}
	if err := c.Sign(issuer); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSerialMatchesDigest(t *testing.T) {
	issuer, _ := identity.Generate(identity.TypeC25519)
	subj, _ := identity.Generate(identity.TypeC25519)
	c := makeCert(t, issuer, subj, 1)
	serial, err := c.ComputeSerial()
	if err != nil {
		t.Fatal(err)
	}
	if serial != c.Serial {
		t.Fatal("serial does not match the digest of the canonical encoding")
	}
}

func TestInsertSupersedesOlderCert(t *testing.T) {
	issuer, _ := identity.Generate(identity.TypeC25519)
	subj, _ := identity.Generate(identity.TypeC25519)
	store := NewStore()

	c1 := makeCert(t, issuer, subj, 1000)
	if err := store.Insert(c1, true, 0, 0); err != nil {
		t.Fatal(err)
	}

	c2 := makeCert(t, issuer, subj, 2000)
	if err := store.Insert(c2, true, 0, 0); err != nil {
		t.Fatal(err)
	}
	if got, ok := store.Get(c2.Serial); !ok || got != c2 {
		t.Fatal("store should hold c2 after inserting the newer cert")
	}

	if err := store.Insert(c1, true, 0, 0); err == nil {
		t.Fatal("expected HaveNewerCertError when re-inserting the older cert")
	} else if _, ok := err.(HaveNewerCertError); !ok {
		t.Fatalf("expected HaveNewerCertError, got %T", err)
	}
	if got, ok := store.Get(c2.Serial); !ok || got != c2 {
		t.Fatal("store should still hold c2 after a rejected older insert")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	issuer, _ := identity.Generate(identity.TypeC25519)
	subj, _ := identity.Generate(identity.TypeC25519)
	c := makeCert(t, issuer, subj, 42)
	bs, err := c.Encode()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Decode(bs, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Serial != c.Serial {
		t.Fatal("serial mismatch after round trip")
	}
	if parsed.Subject.Timestamp != c.Subject.Timestamp {
		t.Fatal("subject timestamp mismatch after round trip")
	}
}

func TestChainToRoot(t *testing.T) {
	root, _ := identity.Generate(identity.TypeC25519)
	mid, _ := identity.Generate(identity.TypeC25519)
	leafSubj, _ := identity.Generate(identity.TypeC25519)

	store := NewStore()
	rootCert := makeCert(t, root, root, 1)
	if err := store.Insert(rootCert, true, TrustFlagRootCA, 0); err != nil {
		t.Fatal(err)
	}

	midCert := makeCert(t, root, mid, 2)
	midCert.Subject.CertRefs = []Serial{rootCert.Serial}
	if err := midCert.Sign(root); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(midCert, true, 0, 0); err != nil {
		t.Fatal(err)
	}

	leafCert := makeCert(t, mid, leafSubj, 3)
	leafCert.Subject.CertRefs = []Serial{midCert.Serial}
	if err := leafCert.Sign(mid); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(leafCert, true, 0, 0); err != nil {
		t.Fatal(err)
	}

	chain, err := store.Chain(leafCert.Serial)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected a 3-certificate chain, got %d", len(chain))
	}
}
