package peerdir

import (
	"testing"

	"github.com/equity-validator/equity/internal/wire"
)

func TestInsertGetRemove(t *testing.T) {
	d := New(0, nil)
	pub := wire.PublicKey("aaaa")

	if _, ok := d.Get(pub); ok {
		t.Fatalf("expected peer to be absent before insert")
	}
	d.Insert(pub)
	if _, ok := d.Get(pub); !ok {
		t.Fatalf("expected peer to be present after insert")
	}
	if got := d.Cardinality(); got != 1 {
		t.Fatalf("cardinality = %d, want 1", got)
	}
	d.Remove(pub)
	if _, ok := d.Get(pub); ok {
		t.Fatalf("expected peer to be absent after remove")
	}
	if got := d.Cardinality(); got != 0 {
		t.Fatalf("cardinality = %d, want 0", got)
	}
}

func TestBroadcastFansOutToAllPeers(t *testing.T) {
	d := New(4, nil)
	a := d.Insert(wire.PublicKey("a"))
	b := d.Insert(wire.PublicKey("b"))

	d.Broadcast([]byte("hello"))

	for name, p := range map[string]*Peer{"a": a, "b": b} {
		select {
		case got := <-p.Outbound():
			if string(got) != "hello" {
				t.Fatalf("%s: got %q, want hello", name, got)
			}
		default:
			t.Fatalf("%s: expected a queued message", name)
		}
	}
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	d := New(4, nil)
	sender := d.Insert(wire.PublicKey("sender"))
	other := d.Insert(wire.PublicKey("other"))

	d.BroadcastExcept([]byte("msg"), wire.PublicKey("sender"))

	select {
	case <-sender.Outbound():
		t.Fatalf("sender should not have received its own broadcast")
	default:
	}
	select {
	case got := <-other.Outbound():
		if string(got) != "msg" {
			t.Fatalf("other: got %q, want msg", got)
		}
	default:
		t.Fatalf("other: expected a queued message")
	}
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	d := New(1, nil)
	p := d.Insert(wire.PublicKey("slow"))

	p.Send([]byte("first"))
	p.Send([]byte("second")) // queue is full, must drop silently rather than block

	got := <-p.Outbound()
	if string(got) != "first" {
		t.Fatalf("got %q, want first", got)
	}
	select {
	case extra := <-p.Outbound():
		t.Fatalf("expected queue to be empty after one drain, got %q", extra)
	default:
	}
}
