// Package node wires every component together into a running validator:
// credential actor, store, peer directory, BRB registry, admission
// pipeline, validator-join policy, and the two listeners (client-facing and
// peer-facing). Follows cmd/cli/network.go's netInit pattern (construct
// once, store in a long-lived handle, start listeners in background
// goroutines) generalized from a single libp2p host to this node's
// client/peer listener pair.
package node

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/admission"
	"github.com/equity-validator/equity/internal/brb"
	"github.com/equity-validator/equity/internal/clientsession"
	"github.com/equity-validator/equity/internal/credentials"
	"github.com/equity-validator/equity/internal/peerdir"
	"github.com/equity-validator/equity/internal/peersession"
	"github.com/equity-validator/equity/internal/store"
	"github.com/equity-validator/equity/internal/transport"
	"github.com/equity-validator/equity/internal/validatorjoin"
	"github.com/equity-validator/equity/internal/wire"
)

// Config carries everything a Node needs at construction time.
type Config struct {
	ClientListenAddr  string
	PeerListenAddr    string
	SeedPeerAddr      string
	SeedPeerPublicKey wire.PublicKey // empty skips identity verification on the seed dial
	OutboundQueueSize int
	SigningKey        ed25519.PrivateKey // nil generates a fresh key
	Store             store.Store        // nil uses an in-memory store
	Log               *logrus.Logger
}

// Node is a fully wired validator instance.
type Node struct {
	cfg    Config
	log    *logrus.Logger
	creds  *credentials.Actor
	dir    *peerdir.Directory
	store  store.Store
	reg    *brb.Registry
	admit  *admission.Pipeline
	joiner *validatorjoin.Joiner

	clientLn *transport.Listener
	peerLn   *transport.Listener

	cancel context.CancelFunc
}

// New constructs a Node without starting any network I/O.
func New(cfg Config) (*Node, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	creds, err := credentials.New(cfg.SigningKey, log)
	if err != nil {
		return nil, fmt.Errorf("node: credentials: %w", err)
	}
	st := cfg.Store
	if st == nil {
		st = store.NewMemory()
	}
	dir := peerdir.New(cfg.OutboundQueueSize, log)

	n := &Node{cfg: cfg, log: log, creds: creds, dir: dir, store: st}

	n.reg = brb.NewRegistry(creds.PublicKey(), creds, dir, st, n.onCommit, log)
	n.admit = admission.New(st, n.reg, dir, creds.PublicKey(), log)

	deps := peersession.Deps{
		Self:     creds.PublicKey(),
		Creds:    creds,
		Dir:      dir,
		Registry: n.reg,
		Log:      log,
	}
	n.joiner = validatorjoin.New(deps, dir.Keys, log)

	return n, nil
}

// onCommit fans a BRB commit out to the validator-join policy. The store
// side effect of a committed SetValues transaction is applied inside the
// BRB instance itself (brb.Instance.applyCommit), before onCommit fires;
// this callback only reacts to commits with follow-on networking effects.
func (n *Node) onCommit(msg wire.BroadcastMsg) {
	n.joiner.OnCommit(msg)
}

// PublicKey returns the node's identity.
func (n *Node) PublicKey() wire.PublicKey { return n.creds.PublicKey() }

// Store returns the node's key/value store.
func (n *Node) Store() store.Store { return n.store }

// Start binds both listeners, dials the seed peer if configured, and begins
// serving. It returns once both listeners are bound; serving happens in
// background goroutines until Close is called.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	clientLn, err := transport.Listen(n.cfg.ClientListenAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("node: client listen: %w", err)
	}
	n.clientLn = clientLn

	peerLn, err := transport.Listen(n.cfg.PeerListenAddr)
	if err != nil {
		cancel()
		clientLn.Close()
		return fmt.Errorf("node: peer listen: %w", err)
	}
	n.peerLn = peerLn

	go n.serveClients(runCtx)
	go n.servePeers(runCtx)

	if n.cfg.SeedPeerAddr != "" {
		deps := peersession.Deps{Self: n.creds.PublicKey(), Creds: n.creds, Dir: n.dir, Registry: n.reg, Log: n.log}
		if err := validatorjoin.DialSeed(runCtx, n.cfg.SeedPeerAddr, n.cfg.SeedPeerPublicKey, deps, n.dir.Keys()); err != nil {
			n.log.WithError(err).Warn("seed peer dial failed, continuing without it")
		}
	}

	return nil
}

func (n *Node) serveClients(ctx context.Context) {
	for {
		conn, err := n.clientLn.Accept(ctx)
		if err != nil {
			return
		}
		sess := clientsession.New(conn, n.admit, n.log)
		go sess.Run(ctx)
	}
}

func (n *Node) servePeers(ctx context.Context) {
	for {
		conn, err := n.peerLn.Accept(ctx)
		if err != nil {
			return
		}
		deps := peersession.Deps{Self: n.creds.PublicKey(), Creds: n.creds, Dir: n.dir, Registry: n.reg, Log: n.log}
		sess, err := peersession.Accept(ctx, conn, deps, n.dir.Keys())
		if err != nil {
			n.log.WithError(err).Debug("peer handshake failed")
			conn.Close()
			continue
		}
		go sess.Run(ctx)
	}
}

// Close tears down both listeners and the BRB registry.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.clientLn != nil {
		n.clientLn.Close()
	}
	if n.peerLn != nil {
		n.peerLn.Close()
	}
	n.reg.Stop()
	return nil
}

// ClientAddr returns the bound client listener address, valid after Start.
func (n *Node) ClientAddr() string {
	if n.clientLn == nil {
		return ""
	}
	return n.clientLn.Addr().String()
}

// PeerAddr returns the bound peer listener address, valid after Start.
func (n *Node) PeerAddr() string {
	if n.peerLn == nil {
		return ""
	}
	return n.peerLn.Addr().String()
}
