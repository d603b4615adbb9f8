package admission

import (
	"context"
	"testing"

	"github.com/equity-validator/equity/internal/brb"
	"github.com/equity-validator/equity/internal/credentials"
	"github.com/equity-validator/equity/internal/peerdir"
	"github.com/equity-validator/equity/internal/store"
	"github.com/equity-validator/equity/internal/wire"
)

func signedTransaction(t *testing.T, actor *credentials.Actor, value uint64) wire.Transaction {
	t.Helper()
	var kv wire.KeyValues
	kv.Set(1, value)
	cmd := wire.TransactionCommand{Kind: wire.CommandSetValues, SetValues: &wire.SetValuesCommand{KeysValues: kv}}

	payload := wire.CanonicalizeCommand(cmd)
	signed, err := actor.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return wire.Transaction{
		Command:   cmd,
		PublicKey: actor.PublicKey(),
		Hash:      signed.Hash,
		Salt:      signed.Salt,
		Signature: signed.Signature,
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *credentials.Actor) {
	t.Helper()
	actor, err := credentials.New(nil, nil)
	if err != nil {
		t.Fatalf("credentials.New: %v", err)
	}
	dir := peerdir.New(4, nil)
	mem := store.NewMemory()
	reg := brb.NewRegistry(actor.PublicKey(), actor, dir, mem, func(wire.BroadcastMsg) {}, nil)
	t.Cleanup(reg.Stop)
	return New(mem, reg, dir, actor.PublicKey(), nil), actor
}

func TestAdmitAcceptsValidTransaction(t *testing.T) {
	p, actor := newTestPipeline(t)
	tx := signedTransaction(t, actor, 42)

	verdict, err := p.Admit(context.Background(), tx)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !verdict.Success {
		t.Fatalf("expected admission to succeed, got %+v", verdict)
	}
}

func TestAdmitRejectsDuplicate(t *testing.T) {
	p, actor := newTestPipeline(t)
	tx := signedTransaction(t, actor, 7)

	if _, err := p.Admit(context.Background(), tx); err != nil {
		t.Fatalf("Admit (first): %v", err)
	}
	verdict, err := p.Admit(context.Background(), tx)
	if err != nil {
		t.Fatalf("Admit (second): %v", err)
	}
	if verdict.Success {
		t.Fatalf("expected duplicate submission to be rejected")
	}
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	p, actor := newTestPipeline(t)
	tx := signedTransaction(t, actor, 99)
	tx.Signature = wire.Signature("not-a-real-signature")

	verdict, err := p.Admit(context.Background(), tx)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if verdict.Success {
		t.Fatalf("expected tampered signature to be rejected")
	}
}
