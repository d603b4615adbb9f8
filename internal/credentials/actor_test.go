package credentials

import (
	"context"
	"testing"

	"github.com/equity-validator/equity/internal/wire"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	a, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte("hello validator")

	signed, err := a.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !a.Verify(payload, a.PublicKey(), signed.Salt, signed.Signature) {
		t.Fatalf("expected signature to verify")
	}
}

func TestSignIsSaltedAndNonDeterministic(t *testing.T) {
	a, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte("same payload")

	first, err := a.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	second, err := a.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if first.Salt == second.Salt {
		t.Fatalf("expected distinct salts across signings")
	}
	if first.Hash == second.Hash {
		t.Fatalf("expected distinct hashes across signings")
	}
	if first.Signature == second.Signature {
		t.Fatalf("expected distinct signatures across signings")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	a, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte("tamper me")
	signed, err := a.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	raw := []byte(signed.Signature)
	raw[0] ^= 1
	tampered := wire.Signature(raw)

	if a.Verify(payload, a.PublicKey(), signed.Salt, tampered) {
		t.Fatalf("expected tampered signature to fail verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	a, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	other, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte("impersonate me")
	signed, err := a.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if Verify(payload, other.PublicKey(), signed.Salt, signed.Signature) {
		t.Fatalf("expected verification under the wrong public key to fail")
	}
}
