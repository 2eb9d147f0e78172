package signer

import "testing"

func TestSignDeterministic(t *testing.T) {
	s, err := NewFromSeed(DevSeed[:])
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	val := map[string]any{"eventId": "A", "magnitude": 5.2}

	a, err := s.Sign(val)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, err := s.Sign(val)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if a.Payload != b.Payload {
		t.Fatalf("expected identical canonical payload, got %q vs %q", a.Payload, b.Payload)
	}
	if a.Signature != b.Signature {
		t.Fatalf("expected identical signature for identical payload")
	}

	ok, err := Verify(s.PublicKey(), a.Payload, a.Signature)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid signature to verify")
	}
}

func TestSignBitFlipFailsVerify(t *testing.T) {
	s, err := NewFromSeed(DevSeed[:])
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	signed, err := s.Sign(map[string]any{"eventId": "A"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	flipped := []byte(signed.Payload)
	flipped[0] ^= 0x01

	ok, err := Verify(s.PublicKey(), string(flipped), signed.Signature)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("expected flipped payload to fail verification")
	}
}
