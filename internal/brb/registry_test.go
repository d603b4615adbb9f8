package brb

import (
	"testing"
	"time"

	"github.com/equity-validator/equity/internal/peerdir"
	"github.com/equity-validator/equity/internal/store"
	"github.com/equity-validator/equity/internal/wire"
)

func TestRouteOrCreateReturnsSameInstanceForSameFingerprint(t *testing.T) {
	actor := newTestActor(t)
	dir := peerdir.New(4, nil)
	reg := NewRegistry(actor.PublicKey(), actor, dir, store.NewMemory(), func(wire.BroadcastMsg) {}, nil)
	defer reg.Stop()

	a := reg.RouteOrCreate("fp-same", 3)
	b := reg.RouteOrCreate("fp-same", 7) // n ignored on second call
	if a != b {
		t.Fatalf("expected RouteOrCreate to return the same instance for a repeated fingerprint")
	}
}

func TestRouteOrCreateIsolatesDifferentFingerprints(t *testing.T) {
	actor := newTestActor(t)
	dir := peerdir.New(4, nil)
	reg := NewRegistry(actor.PublicKey(), actor, dir, store.NewMemory(), func(wire.BroadcastMsg) {}, nil)
	defer reg.Stop()

	a := reg.RouteOrCreate("fp-a", 3)
	b := reg.RouteOrCreate("fp-b", 3)
	if a == b {
		t.Fatalf("expected distinct instances for distinct fingerprints")
	}
}

func TestRegistryDrivesCommitThroughOnCommitCallback(t *testing.T) {
	actor := newTestActor(t)
	dir := peerdir.New(4, nil)

	commitCh := make(chan wire.BroadcastMsg, 1)
	reg := NewRegistry(actor.PublicKey(), actor, dir, store.NewMemory(), func(m wire.BroadcastMsg) {
		commitCh <- m
	}, nil)
	defer reg.Stop()

	inst := reg.RouteOrCreate("fp-commit", 1)
	inst.LocalSubmit(testMsg("fp-commit"))

	select {
	case m := <-commitCh:
		if m.Transaction.Hash != "fp-commit" {
			t.Fatalf("committed wrong message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected registry-routed instance to commit")
	}
}
