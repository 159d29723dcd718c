package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two RandBytes(%d) calls returned equal slices", n)
	}
}

func TestDeriveKey_SaltAndSecretDependent(t *testing.T) {
	t.Parallel()

	k1 := DeriveKey([]byte("1234"), []byte("salt-salt-salt-1"))
	k2 := DeriveKey([]byte("1234"), []byte("salt-salt-salt-1"))
	if !bytes.Equal(k1, k2) {
		t.Fatalf("DeriveKey not deterministic")
	}
	if bytes.Equal(k1, DeriveKey([]byte("1234"), []byte("salt-salt-salt-2"))) {
		t.Fatalf("DeriveKey must depend on salt")
	}
	if bytes.Equal(k1, DeriveKey([]byte("4321"), []byte("salt-salt-salt-1"))) {
		t.Fatalf("DeriveKey must depend on secret")
	}
	if len(k1) != int(argonKeyLen) {
		t.Fatalf("key len=%d", len(k1))
	}
}

func TestPairingCode_Verify(t *testing.T) {
	t.Parallel()

	pc, err := NewPairingCode("424242")
	if err != nil {
		t.Fatalf("NewPairingCode: %v", err)
	}
	if !pc.Verify("424242") {
		t.Fatalf("expected match")
	}
	if pc.Verify("424243") || pc.Verify("") {
		t.Fatalf("expected mismatch")
	}

	var nilCode *PairingCode
	if nilCode.Verify("424242") {
		t.Fatalf("nil code must never verify")
	}
}

func TestNewNumericCode(t *testing.T) {
	t.Parallel()

	code, err := NewNumericCode(6)
	if err != nil {
		t.Fatalf("NewNumericCode: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("len=%d, want=6", len(code))
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit %q in %q", r, code)
		}
	}
}
