// Package peersession runs one goroutine pair per connected peer: a read
// loop that dispatches incoming PeerInit/Broadcast frames, and a write loop
// that drains the peer's bounded outbound queue (internal/peerdir) onto the
// wire. Grounded on the original p2p_server.rs connection handler, which
// pairs a channel-fed writer task with a blocking reader loop per
// connection; re-expressed here over transport.Conn instead of a raw
// tokio-tungstenite stream.
package peersession

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/brb"
	"github.com/equity-validator/equity/internal/credentials"
	"github.com/equity-validator/equity/internal/peerdir"
	"github.com/equity-validator/equity/internal/transport"
	"github.com/equity-validator/equity/internal/wire"
)

// Deps bundles the components a peer session needs to handle inbound
// frames; constructed once at node startup and shared by every session.
type Deps struct {
	Self     wire.PublicKey
	Creds    *credentials.Actor
	Dir      *peerdir.Directory
	Registry *brb.Registry
	Log      *logrus.Logger
}

// Session owns one peer's connection for its lifetime.
type Session struct {
	conn     transport.Conn
	deps     Deps
	peer     wire.PublicKey
	outbound *peerdir.Peer
	log      *logrus.Entry
}

// Accept performs the inbound handshake side: reads the remote's PeerInit,
// verifies its signature, replies with this node's own signed PeerInit (the
// other half of the handshake the original protocol expects on both legs),
// registers the peer in the directory under its verified identity, and
// returns a Session ready to Run. The caller is expected to have just
// accepted conn from a transport.Listener.
func Accept(ctx context.Context, conn transport.Conn, deps Deps, peerList []wire.PublicKey) (*Session, error) {
	remoteInit, err := readPeerInit(conn)
	if err != nil {
		return nil, err
	}
	if !verifyPeerInit(remoteInit) {
		conn.Close()
		return nil, fmt.Errorf("peersession: handshake signature verification failed")
	}
	localInit, err := signedInit(ctx, deps, peerList)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writePeerInit(conn, localInit); err != nil {
		conn.Close()
		return nil, err
	}
	return newSession(conn, deps, remoteInit)
}

// Dial opens an outbound connection to addr, sends this node's PeerInit,
// reads and verifies the remote's PeerInit reply, and returns a Session
// keyed by the remote's verified identity. peerList is advertised to the
// remote side so it can learn about peers transitively, matching the
// original protocol's PeerInit.peer_list field.
func Dial(ctx context.Context, addr string, deps Deps, peerList []wire.PublicKey) (*Session, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	localInit, err := signedInit(ctx, deps, peerList)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writePeerInit(conn, localInit); err != nil {
		conn.Close()
		return nil, err
	}
	remoteInit, err := readPeerInit(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !verifyPeerInit(remoteInit) {
		conn.Close()
		return nil, fmt.Errorf("peersession: handshake signature verification failed")
	}
	return newSession(conn, deps, remoteInit)
}

func readPeerInit(conn transport.Conn) (*wire.PeerInit, error) {
	raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("peersession: read handshake: %w", err)
	}
	var pm wire.PeerMsg
	if err := json.Unmarshal(raw, &pm); err != nil {
		return nil, fmt.Errorf("peersession: decode handshake: %w", err)
	}
	if pm.Kind != wire.PeerMsgInit || pm.Init == nil {
		return nil, fmt.Errorf("peersession: expected PeerInit as first frame, got %q", pm.Kind)
	}
	return pm.Init, nil
}

func writePeerInit(conn transport.Conn, init *wire.PeerInit) error {
	out, err := json.Marshal(wire.PeerMsg{Kind: wire.PeerMsgInit, Init: init})
	if err != nil {
		return fmt.Errorf("peersession: marshal handshake: %w", err)
	}
	if err := conn.WriteMessage(out); err != nil {
		return fmt.Errorf("peersession: send handshake: %w", err)
	}
	return nil
}

func initPayload(peerList []wire.PublicKey) ([]byte, error) {
	body := struct {
		PeerList []wire.PublicKey `json:"peer_list"`
	}{PeerList: peerList}
	return json.Marshal(body)
}

func signedInit(ctx context.Context, deps Deps, peerList []wire.PublicKey) (*wire.PeerInit, error) {
	payload, err := initPayload(peerList)
	if err != nil {
		return nil, fmt.Errorf("peersession: marshal init body: %w", err)
	}
	signed, err := deps.Creds.Sign(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("peersession: sign init: %w", err)
	}
	return &wire.PeerInit{
		PeerList:  peerList,
		PublicKey: deps.Self,
		Salt:      signed.Salt,
		Signature: signed.Signature,
	}, nil
}

// verifyPeerInit checks a PeerInit's signature, which is over the same
// {peer_list} body signedInit signs, covering the envelope rather than any
// inner transaction.
func verifyPeerInit(init *wire.PeerInit) bool {
	payload, err := initPayload(init.PeerList)
	if err != nil {
		return false
	}
	return credentials.Verify(payload, init.PublicKey, init.Salt, init.Signature)
}

func newSession(conn transport.Conn, deps Deps, init *wire.PeerInit) (*Session, error) {
	log := deps.Log
	if log == nil {
		log = logrus.New()
	}
	peer := deps.Dir.Insert(init.PublicKey)
	return &Session{
		conn:     conn,
		deps:     deps,
		peer:     init.PublicKey,
		outbound: peer,
		log:      log.WithField("peer", string(init.PublicKey)),
	}, nil
}

// Peer returns the session's counterparty public key.
func (s *Session) Peer() wire.PublicKey { return s.peer }

// Close tears down the underlying connection without running the session's
// read/write loops, for a caller that rejects a session after the handshake
// but before calling Run (e.g. an identity mismatch on a seed dial).
func (s *Session) Close() error {
	s.deps.Dir.Remove(s.peer)
	return s.conn.Close()
}

// Run drives the session's read and write loops until either the
// connection fails or ctx is done. It blocks until the session ends.
func (s *Session) Run(ctx context.Context) {
	defer s.deps.Dir.Remove(s.peer)
	defer s.conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel() // readLoop ending also stops writeLoop, and vice versa

	// ReadMessage blocks on the network regardless of ctx; closing the
	// connection is what actually unblocks readLoop on external shutdown.
	go func() {
		<-sessCtx.Done()
		s.conn.Close()
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(sessCtx)
	}()

	s.readLoop(sessCtx)
	cancel()
	<-writeDone
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case payload, ok := <-s.outbound.Outbound():
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(payload); err != nil {
				s.log.WithError(err).Debug("peer write failed, closing session")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Debug("peer read failed, closing session")
			return
		}
		var pm wire.PeerMsg
		if err := json.Unmarshal(raw, &pm); err != nil {
			s.log.WithError(err).Warn("malformed peer frame, ignoring")
			continue
		}
		s.dispatch(pm)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) dispatch(pm wire.PeerMsg) {
	switch pm.Kind {
	case wire.PeerMsgInit:
		// A second PeerInit after the handshake is not part of the protocol;
		// ignore it rather than re-registering the peer mid-session.
		s.log.Debug("ignoring unexpected mid-session PeerInit")
	case wire.PeerMsgBroadcast:
		if pm.Broadcast != nil {
			s.dispatchBroadcast(*pm.Broadcast)
		}
	default:
		s.log.WithField("kind", string(pm.Kind)).Warn("unrecognized peer message kind")
	}
}

func (s *Session) dispatchBroadcast(b wire.Broadcast) {
	switch b.Stage {
	case wire.StageInit, wire.StageEcho:
		if b.Msg == nil {
			s.log.Warn("init/echo broadcast missing msg body")
			return
		}
		fp := b.Msg.Fingerprint()
		n := s.deps.Dir.Cardinality() + 1
		inst := s.deps.Registry.RouteOrCreate(fp, n)
		if b.Stage == wire.StageInit {
			inst.HandlePeerInit(s.peer, b)
		} else {
			inst.HandlePeerEcho(s.peer, b)
		}
	case wire.StageReady:
		inst := s.deps.Registry.RouteOrCreate(b.Fingerprint, s.deps.Dir.Cardinality()+1)
		inst.HandlePeerReady(s.peer)
	case wire.StageTimeout:
		inst := s.deps.Registry.RouteOrCreate(b.Fingerprint, s.deps.Dir.Cardinality()+1)
		inst.HandleTimeout(s.peer)
	default:
		s.log.WithField("stage", string(b.Stage)).Warn("unrecognized broadcast stage")
	}
}
