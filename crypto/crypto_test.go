package crypto

import "testing"

func TestEd25519SignVerify(t *testing.T) {
	pub, priv, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("zt")
	sig := SignEd25519(priv, msg)
	if !VerifyEd25519(pub, msg, sig) {
		t.Fatal("verification failed")
	}
	if VerifyEd25519(pub, []byte("not zt"), sig) {
		t.Fatal("verification should have failed for a different message")
	}
}

func TestP384SignVerify(t *testing.T) {
	priv, err := GenerateP384()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("zt")
	sig, err := SignP384(priv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyP384(&priv.PublicKey, msg, sig) {
		t.Fatal("verification failed")
	}
}

func TestCurve25519Agreement(t *testing.T) {
	pubA, privA, err := GenerateCurve25519()
	if err != nil {
		t.Fatal(err)
	}
	pubB, privB, err := GenerateCurve25519()
	if err != nil {
		t.Fatal(err)
	}
	sharedA, err := AgreeCurve25519(privA, pubB)
	if err != nil {
		t.Fatal(err)
	}
	sharedB, err := AgreeCurve25519(privB, pubA)
	if err != nil {
		t.Fatal(err)
	}
	if string(sharedA) != string(sharedB) {
		t.Fatal("shared secrets do not match")
	}
}

func TestSalsaPoly1305RoundTrip(t *testing.T) {
	var key [32]byte
	var nonce [16]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(nonce[:], []byte("abcdefghijklmnop"))
	msg := []byte("hello, VL1")
	ct, mac := SealSalsaPoly1305(&key, &nonce, msg)
	pt, ok := OpenSalsaPoly1305(&key, &nonce, ct, mac)
	if !ok {
		t.Fatal("authentication failed")
	}
	if string(pt) != string(msg) {
		t.Fatal("plaintext mismatch")
	}
	mac[0] ^= 1
	if _, ok := OpenSalsaPoly1305(&key, &nonce, ct, mac); ok {
		t.Fatal("authentication should have failed with a corrupted MAC")
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	copy(key, []byte("0123456789abcdef0123456789abcdef"))
	copy(nonce, []byte("abcdefghijkl"))
	msg := []byte("hello, VL1")
	ct, err := SealAESGCM(key, nonce, msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := OpenAESGCM(key, nonce, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != string(msg) {
		t.Fatal("plaintext mismatch")
	}
}
