package peersession

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/brb"
	"github.com/equity-validator/equity/internal/credentials"
	"github.com/equity-validator/equity/internal/peerdir"
	"github.com/equity-validator/equity/internal/store"
	"github.com/equity-validator/equity/internal/transport"
	"github.com/equity-validator/equity/internal/wire"
)

func newDeps(t *testing.T) Deps {
	t.Helper()
	actor, err := credentials.New(nil, nil)
	if err != nil {
		t.Fatalf("credentials.New: %v", err)
	}
	dir := peerdir.New(8, nil)
	reg := brb.NewRegistry(actor.PublicKey(), actor, dir, store.NewMemory(), func(wire.BroadcastMsg) {}, nil)
	t.Cleanup(reg.Stop)
	return Deps{
		Self:     actor.PublicKey(),
		Creds:    actor,
		Dir:      dir,
		Registry: reg,
		Log:      logrus.New(),
	}
}

func TestDialAndAcceptHandshake(t *testing.T) {
	serverDeps := newDeps(t)
	clientDeps := newDeps(t)

	ln, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverSessCh := make(chan *Session, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			serverErrCh <- err
			return
		}
		sess, err := Accept(ctx, conn, serverDeps, nil)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverSessCh <- sess
	}()

	clientSess, err := Dial(ctx, ln.Addr().String(), clientDeps, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var serverSess *Session
	select {
	case serverSess = <-serverSessCh:
	case err := <-serverErrCh:
		t.Fatalf("Accept: %v", err)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for server-side handshake")
	}

	if serverSess.Peer() != clientDeps.Self {
		t.Fatalf("server recorded peer %q, want %q", serverSess.Peer(), clientDeps.Self)
	}
	if _, ok := serverDeps.Dir.Get(clientDeps.Self); !ok {
		t.Fatalf("expected server directory to contain the dialing peer")
	}
	if clientSess.Peer() != serverDeps.Self {
		t.Fatalf("client recorded peer %q, want %q", clientSess.Peer(), serverDeps.Self)
	}
	if _, ok := clientDeps.Dir.Get(serverDeps.Self); !ok {
		t.Fatalf("expected client directory to contain the accepting peer")
	}

	clientSess.conn.Close()
	serverSess.conn.Close()
}
