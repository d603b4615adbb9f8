// Package peerdir tracks the set of validator peers this node has handshook
// with and fans broadcasts out to them. Each peer gets a bounded outbound
// queue; a slow or wedged peer gets messages dropped rather than stalling
// the broadcaster, mirroring core/peer_management.go's
// PeerManagement.SendAsync/Subscribe split, re-expressed for a directory
// keyed by Ed25519 public key instead of libp2p peer ID.
package peerdir

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/metrics"
	"github.com/equity-validator/equity/internal/wire"
)

// DefaultOutboundQueueSize bounds the per-peer outbound channel when New is
// given a non-positive size. A full queue means
// the peer is falling behind; new sends are dropped rather than blocking the
// broadcaster.
const DefaultOutboundQueueSize = 256

// Peer is a directory entry: a key and the channel its session goroutine
// drains to do the actual writes.
type Peer struct {
	PublicKey wire.PublicKey
	outbound  chan []byte
}

// Send enqueues payload for delivery to this peer, dropping it and
// incrementing the PeerOutboundDropped metric if the queue is full.
func (p *Peer) Send(payload []byte) {
	select {
	case p.outbound <- payload:
	default:
		metrics.PeerOutboundDropped.WithLabelValues(string(p.PublicKey)).Inc()
	}
}

// Outbound returns the channel a peer session drains to perform writes.
func (p *Peer) Outbound() <-chan []byte { return p.outbound }

// Directory is the concurrency-safe set of connected peers.
type Directory struct {
	mu        sync.RWMutex
	peers     map[wire.PublicKey]*Peer
	queueSize int
	log       *logrus.Entry
}

// New returns an empty directory. queueSize <= 0 uses DefaultOutboundQueueSize.
func New(queueSize int, log *logrus.Logger) *Directory {
	if queueSize <= 0 {
		queueSize = DefaultOutboundQueueSize
	}
	if log == nil {
		log = logrus.New()
	}
	return &Directory{
		peers:     make(map[wire.PublicKey]*Peer),
		queueSize: queueSize,
		log:       log.WithField("component", "peerdir"),
	}
}

// Insert adds or replaces the entry for pub, returning the new Peer handle.
// The caller is responsible for draining Outbound() until the session ends.
func (d *Directory) Insert(pub wire.PublicKey) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &Peer{PublicKey: pub, outbound: make(chan []byte, d.queueSize)}
	d.peers[pub] = p
	d.log.WithField("peer", string(pub)).Debug("peer inserted")
	return p
}

// Remove drops the entry for pub, if present.
func (d *Directory) Remove(pub wire.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, pub)
	d.log.WithField("peer", string(pub)).Debug("peer removed")
}

// Get returns the entry for pub, if connected.
func (d *Directory) Get(pub wire.PublicKey) (*Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[pub]
	return p, ok
}

// Cardinality is the current peer count, not counting this node. Callers
// add one for self to get the n that BRB instances use to compute quorum
// thresholds at creation time.
func (d *Directory) Cardinality() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Keys returns a snapshot of all currently connected peer public keys.
func (d *Directory) Keys() []wire.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]wire.PublicKey, 0, len(d.peers))
	for k := range d.peers {
		keys = append(keys, k)
	}
	return keys
}

// Broadcast enqueues payload for every currently connected peer.
func (d *Directory) Broadcast(payload []byte) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.peers {
		p.Send(payload)
	}
}

// BroadcastExcept enqueues payload for every connected peer other than
// exclude, used to avoid echoing a message back to its sender.
func (d *Directory) BroadcastExcept(payload []byte, exclude wire.PublicKey) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for k, p := range d.peers {
		if k == exclude {
			continue
		}
		p.Send(payload)
	}
}
