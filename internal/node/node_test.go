package node

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/equity-validator/equity/internal/credentials"
	"github.com/equity-validator/equity/internal/transport"
	"github.com/equity-validator/equity/internal/wire"
)

func startTestNode(t *testing.T, seedAddr string) *Node {
	t.Helper()
	n, err := New(Config{ClientListenAddr: "127.0.0.1:0", PeerListenAddr: "127.0.0.1:0", SeedPeerAddr: seedAddr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		n.Close()
	})
	return n
}

func dialClient(t *testing.T, addr string) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestHealthCheck(t *testing.T) {
	n := startTestNode(t, "")
	conn := dialClient(t, n.ClientAddr())
	defer conn.Close()

	req, _ := json.Marshal(wire.ClientMsg{Kind: wire.ClientHealth})
	if err := conn.WriteMessage(req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var resp wire.HealthResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !resp.Up {
		t.Fatalf("expected health check to report up")
	}
}

func signedSetValues(t *testing.T, key, value uint64) (wire.Transaction, *credentials.Actor) {
	t.Helper()
	actor, err := credentials.New(nil, nil)
	if err != nil {
		t.Fatalf("credentials.New: %v", err)
	}
	var kv wire.KeyValues
	kv.Set(key, value)
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
	}, actor
}

func submitTransaction(t *testing.T, conn transport.Conn, tx wire.Transaction) wire.TransactionVerdict {
	t.Helper()
	req, _ := json.Marshal(wire.ClientMsg{Kind: wire.ClientTransaction, Transaction: &tx})
	if err := conn.WriteMessage(req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var verdict wire.TransactionVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return verdict
}

func TestSingleNodeAdmitsTransaction(t *testing.T) {
	n := startTestNode(t, "")
	conn := dialClient(t, n.ClientAddr())
	defer conn.Close()

	tx, _ := signedSetValues(t, 1, 42)
	verdict := submitTransaction(t, conn, tx)
	if !verdict.Success {
		t.Fatalf("expected admission to succeed, got %+v", verdict)
	}
}

func TestDuplicateTransactionIsRejected(t *testing.T) {
	n := startTestNode(t, "")
	conn := dialClient(t, n.ClientAddr())
	defer conn.Close()

	tx, _ := signedSetValues(t, 2, 7)
	first := submitTransaction(t, conn, tx)
	if !first.Success {
		t.Fatalf("expected first submission to succeed, got %+v", first)
	}
	second := submitTransaction(t, conn, tx)
	if second.Success {
		t.Fatalf("expected duplicate submission to be rejected, got %+v", second)
	}
}

func TestBadSignatureIsRejected(t *testing.T) {
	n := startTestNode(t, "")
	conn := dialClient(t, n.ClientAddr())
	defer conn.Close()

	tx, _ := signedSetValues(t, 3, 9)
	tx.Signature = wire.Signature("00")
	verdict := submitTransaction(t, conn, tx)
	if verdict.Success {
		t.Fatalf("expected tampered signature to be rejected")
	}
}

func TestValidatorJoinsPeerAfterSeedDial(t *testing.T) {
	seed := startTestNode(t, "")
	joiner := startTestNode(t, seed.PeerAddr())

	deadline := time.After(4 * time.Second)
	for {
		if seed.dir.Cardinality() >= 1 && joiner.dir.Cardinality() >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected seed dial to register each node in the other's peer directory")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Each side's directory must be keyed by the real remote identity, not
	// by the dialing node's own key (a self-keyed entry would also satisfy
	// the cardinality check above).
	if _, ok := seed.dir.Get(joiner.PublicKey()); !ok {
		t.Fatalf("expected seed's directory to be keyed by the joiner's public key")
	}
	if _, ok := joiner.dir.Get(seed.PublicKey()); !ok {
		t.Fatalf("expected joiner's directory to be keyed by the seed's public key")
	}
}

func TestCommittedSetValuesAreReadableFromStore(t *testing.T) {
	n := startTestNode(t, "")
	conn := dialClient(t, n.ClientAddr())
	defer conn.Close()

	tx, _ := signedSetValues(t, 7, 42)
	verdict := submitTransaction(t, conn, tx)
	if !verdict.Success {
		t.Fatalf("expected admission to succeed, got %+v", verdict)
	}

	deadline := time.After(2 * time.Second)
	for {
		value, ok, err := n.Store().Get(context.Background(), []byte("7"))
		if err != nil {
			t.Fatalf("store get: %v", err)
		}
		if ok {
			if string(value) != "42" {
				t.Fatalf("expected value 42, got %q", value)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected committed SetValues to apply key 7 = 42 to the store")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
