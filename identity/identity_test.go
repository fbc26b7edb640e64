package identity

import "testing"

func TestGenerateValidate(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Validate() {
		t.Fatal("freshly generated identity failed validation")
	}
	if id.Address().IsZero() {
		t.Fatal("address should not be zero")
	}
}

func TestValidateRejectsTamperedKey(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	id.c25519[0] ^= 1
	if id.Validate() {
		t.Fatal("validation should fail after mutating a public key byte")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("zt")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Verify(msg, sig) {
		t.Fatal("verify failed for signed message")
	}
	if id.Verify([]byte("not zt"), sig) {
		t.Fatal("verify should fail for a different message")
	}
}

func TestStringRoundTripWithPrivate(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	s := id.String(true)
	parsed, err := ParseString(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Address() != id.Address() {
		t.Fatal("address mismatch after round trip")
	}
	msg := []byte("zt")
	sig, err := parsed.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Verify(msg, sig) {
		t.Fatal("signature produced from parsed identity did not verify")
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	id, err := Generate(TypeP384)
	if err != nil {
		t.Fatal(err)
	}
	bs, err := id.MarshalBinary(true)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := UnmarshalBinary(bs)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Address() != id.Address() {
		t.Fatal("address mismatch after binary round trip")
	}
	msg := []byte("zt")
	sig, err := parsed.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Verify(msg, sig) {
		t.Fatal("P-384 signature did not verify after round trip")
	}
}

func TestFingerprintDependsOnlyOnPublicPart(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatal(err)
	}
	bs, err := id.MarshalBinary(false)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := UnmarshalBinary(bs)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Fingerprint().Equal(pub.Fingerprint()) {
		t.Fatal("fingerprint should not depend on private key presence")
	}
}
