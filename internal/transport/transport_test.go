package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestDialAcceptRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverConnCh := make(chan Conn, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverConnCh <- c
	}()

	client, err := Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server Conn
	select {
	case server = <-serverConnCh:
	case err := <-serverErrCh:
		t.Fatalf("Accept: %v", err)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for accept")
	}
	defer server.Close()

	want := []byte(`{"kind":"health"}`)
	if err := client.WriteMessage(want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	reply := []byte(`{"up":true}`)
	if err := server.WriteMessage(reply); err != nil {
		t.Fatalf("WriteMessage (server): %v", err)
	}
	gotReply, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage (client): %v", err)
	}
	if !bytes.Equal(gotReply, reply) {
		t.Fatalf("got %q, want %q", gotReply, reply)
	}
}

func TestDialFailsOnUnreachableAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Dial(ctx, "127.0.0.1:1"); err == nil {
		t.Fatalf("expected dial to an unreachable address to fail")
	}
}
