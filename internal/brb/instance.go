// Package brb implements Bracha-style Byzantine Reliable Broadcast: one
// Instance per message fingerprint, running Init -> Echo -> Ready ->
// Committed (with Timeout as an absorbing side branch), plus a Registry
// that owns the fingerprint -> Instance map. Each Instance is a single
// goroutine serializing its own state transitions over an inbox channel,
// the same actor-per-entity shape the credential actor uses for its
// signing key (internal/credentials) instead of a guarding mutex.
package brb

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/credentials"
	"github.com/equity-validator/equity/internal/metrics"
	"github.com/equity-validator/equity/internal/peerdir"
	"github.com/equity-validator/equity/internal/store"
	"github.com/equity-validator/equity/internal/wire"
)

type eventKind int

const (
	eventLocalSubmit eventKind = iota
	eventPeerInit
	eventPeerEcho
	eventPeerReady
	eventPeerTimeout
	eventQueryStage
)

type event struct {
	kind   eventKind
	from   wire.PublicKey
	msg    *wire.BroadcastMsg
	stageQ chan wire.BroadcastStage

	// salt/signature/claimedPub carry the envelope's own signing fields, for
	// eventPeerInit/eventPeerEcho only: Init/Echo vouch for a message and
	// must be verified before they can advance a tally (Ready/Timeout carry
	// no signature on the wire, see wire.Broadcast's doc comment).
	salt       uint64
	signature  wire.Signature
	claimedPub wire.PublicKey
}

// Instance runs the BRB state machine for a single message fingerprint.
type Instance struct {
	fingerprint wire.Fingerprint
	self        wire.PublicKey
	n, f        int
	creds       *credentials.Actor
	dir         *peerdir.Directory
	st          store.Store
	log         *logrus.Entry
	onCommit    func(wire.BroadcastMsg)

	events chan event
	done   chan struct{}

	stage     wire.BroadcastStage
	msg       *wire.BroadcastMsg
	tally     map[wire.BroadcastStage]map[wire.PublicKey]struct{}
	sentReady bool
	committed bool
}

// New creates an instance and starts its goroutine. n is the validator
// count (connected peers plus this node) snapshotted at creation time and
// held fixed for the lifetime of this instance, even if the directory grows
// or shrinks later. onCommit fires at most once, the first time this
// instance reaches Committed with an adopted message; an instance that
// commits on Ready votes alone, without ever adopting a message, does not
// call it.
func New(fp wire.Fingerprint, self wire.PublicKey, n int, creds *credentials.Actor, dir *peerdir.Directory, st store.Store, onCommit func(wire.BroadcastMsg), log *logrus.Logger) *Instance {
	if log == nil {
		log = logrus.New()
	}
	i := &Instance{
		fingerprint: fp,
		self:        self,
		n:           n,
		f:           (n - 1) / 3,
		creds:       creds,
		dir:         dir,
		st:          st,
		onCommit:    onCommit,
		log:         log.WithFields(logrus.Fields{"component": "brb", "fingerprint": string(fp)}),
		events:      make(chan event, 64),
		done:        make(chan struct{}),
		stage:       wire.StageInit,
		tally: map[wire.BroadcastStage]map[wire.PublicKey]struct{}{
			wire.StageInit:  {},
			wire.StageEcho:  {},
			wire.StageReady: {},
		},
	}
	metrics.BrbInstancesActive.Inc()
	go i.run()
	return i
}

// Stop tears down the instance's goroutine. Safe to call after Committed.
func (i *Instance) Stop() {
	select {
	case <-i.done:
	default:
		close(i.done)
	}
}

func (i *Instance) send(e event) {
	select {
	case i.events <- e:
	case <-i.done:
	}
}

// LocalSubmit starts this instance from a message this node originated.
func (i *Instance) LocalSubmit(msg wire.BroadcastMsg) {
	i.send(event{kind: eventLocalSubmit, from: i.self, msg: &msg})
}

// HandlePeerInit processes an Init envelope received from a peer. b carries
// the envelope's own PublicKey/Salt/Signature, verified against b.Msg before
// the Init can advance any tally.
func (i *Instance) HandlePeerInit(from wire.PublicKey, b wire.Broadcast) {
	i.send(event{kind: eventPeerInit, from: from, msg: b.Msg, salt: b.Salt, signature: b.Signature, claimedPub: b.PublicKey})
}

// HandlePeerEcho processes an Echo envelope received from a peer, verified
// the same way as HandlePeerInit.
func (i *Instance) HandlePeerEcho(from wire.PublicKey, b wire.Broadcast) {
	i.send(event{kind: eventPeerEcho, from: from, msg: b.Msg, salt: b.Salt, signature: b.Signature, claimedPub: b.PublicKey})
}

// HandlePeerReady processes a Ready envelope received from a peer.
func (i *Instance) HandlePeerReady(from wire.PublicKey) {
	i.send(event{kind: eventPeerReady, from: from})
}

// HandleTimeout processes a Timeout envelope received from a peer, or fires
// a locally-detected timeout (from == self).
func (i *Instance) HandleTimeout(from wire.PublicKey) {
	i.send(event{kind: eventPeerTimeout, from: from})
}

// Stage returns the instance's current stage, queried through the same
// event channel as every state transition so the read never races the
// goroutine that owns the state.
func (i *Instance) Stage() wire.BroadcastStage {
	resp := make(chan wire.BroadcastStage, 1)
	select {
	case i.events <- event{kind: eventQueryStage, stageQ: resp}:
	case <-i.done:
		return wire.StageCommitted
	}
	select {
	case s := <-resp:
		return s
	case <-i.done:
		return wire.StageCommitted
	}
}

func (i *Instance) run() {
	defer metrics.BrbInstancesActive.Dec()
	for {
		select {
		case e := <-i.events:
			i.handle(e)
		case <-i.done:
			return
		}
	}
}

func (i *Instance) handle(e event) {
	switch e.kind {
	case eventLocalSubmit:
		i.localSubmit(*e.msg)
	case eventPeerInit:
		if !i.verifyEnvelope(e) {
			return
		}
		i.handlePeerInit(e.from, *e.msg)
	case eventPeerEcho:
		if !i.verifyEnvelope(e) {
			return
		}
		i.handlePeerEcho(e.from, *e.msg)
	case eventPeerReady:
		i.handlePeerReady(e.from)
	case eventPeerTimeout:
		i.handlePeerTimeout(e.from)
	case eventQueryStage:
		e.stageQ <- i.stage
	}
}

// verifyEnvelope checks an Init/Echo envelope's signature before it is
// allowed to reach handlePeerInit/handlePeerEcho and advance a tally. The
// claimed signer must match the already-authenticated session peer (from),
// and the signature must verify over the marshaled message, per wire.Broadcast's
// Init/Echo fields. A failure is dropped silently: it never advances a tally.
func (i *Instance) verifyEnvelope(e event) bool {
	if e.msg == nil {
		return false
	}
	if e.claimedPub != e.from {
		i.log.WithFields(logrus.Fields{"from": string(e.from), "claimed": string(e.claimedPub)}).Warn("envelope public key does not match session peer, dropping")
		return false
	}
	payload, err := json.Marshal(e.msg)
	if err != nil {
		i.log.WithError(err).Error("marshal envelope msg for verification")
		return false
	}
	if !credentials.Verify(payload, e.claimedPub, e.salt, e.signature) {
		i.log.WithField("from", string(e.from)).Warn("envelope signature verification failed, dropping")
		return false
	}
	return true
}

func (i *Instance) localSubmit(msg wire.BroadcastMsg) {
	i.tally[wire.StageInit][i.self] = struct{}{}
	i.broadcastInit(msg)
	i.adoptAndEcho(msg)
}

// handlePeerInit and localSubmit's final step both converge on adoptAndEcho:
// the n=1 boundary (an instance commits immediately after self-echo) and the
// first-Init-seen case are the same transition, just keyed by different Init
// voters, so one helper drives both.
func (i *Instance) handlePeerInit(from wire.PublicKey, msg wire.BroadcastMsg) {
	i.tally[wire.StageInit][from] = struct{}{}
	if i.stage == wire.StageCommitted || i.stage == wire.StageTimeout {
		return // absorbing: bookkeeping only, no re-derivation of stage
	}
	if i.msg != nil {
		return // already adopted a message via some other path
	}
	i.adoptAndEcho(msg)
}

func (i *Instance) adoptAndEcho(msg wire.BroadcastMsg) {
	i.msg = &msg
	i.tally[wire.StageEcho][i.self] = struct{}{}
	i.broadcastEcho(msg)
	i.stage = wire.StageEcho
	i.checkEchoQuorum()
}

func (i *Instance) handlePeerEcho(from wire.PublicKey, msg wire.BroadcastMsg) {
	if i.stage == wire.StageCommitted {
		return
	}
	if i.stage == wire.StageInit {
		// An Echo arrived before this node ever saw Init: per the transition
		// table this is only possible with a faulty sender, or this node is
		// behind. Either way we cannot safely vouch for an unseen message, so
		// fall back to Timeout rather than blindly adopting it.
		i.enterTimeout()
		return
	}
	if i.msg != nil && msg.Fingerprint() != i.msg.Fingerprint() {
		i.recordEquivocation(from)
		return
	}
	i.tally[wire.StageEcho][from] = struct{}{}
	if i.stage == wire.StageEcho {
		i.checkEchoQuorum()
	}
}

func (i *Instance) checkEchoQuorum() {
	if i.sentReady {
		return
	}
	if 2*len(i.tally[wire.StageEcho]) > i.n+i.f {
		i.sentReady = true
		i.broadcastReady()
		i.tally[wire.StageReady][i.self] = struct{}{}
		i.stage = wire.StageReady
		i.maybeCommit()
	}
}

func (i *Instance) handlePeerReady(from wire.PublicKey) {
	if i.stage == wire.StageCommitted {
		return
	}
	i.tally[wire.StageReady][from] = struct{}{}
	if (i.stage == wire.StageEcho || i.stage == wire.StageTimeout) && !i.sentReady && len(i.tally[wire.StageReady]) > i.f {
		i.sentReady = true
		i.broadcastReady()
		i.tally[wire.StageReady][i.self] = struct{}{}
		i.stage = wire.StageReady
	}
	if i.stage == wire.StageReady {
		i.maybeCommit()
	}
}

func (i *Instance) handlePeerTimeout(from wire.PublicKey) {
	if i.stage == wire.StageCommitted {
		return
	}
	if i.stage == wire.StageInit || i.stage == wire.StageEcho {
		i.enterTimeout()
	}
	// A Timeout carries no Ready vote by itself; Ready amplification for a
	// timed-out instance still flows entirely through handlePeerReady.
	_ = from
}

func (i *Instance) enterTimeout() {
	if i.stage == wire.StageCommitted || i.stage == wire.StageTimeout {
		return
	}
	i.stage = wire.StageTimeout
	i.broadcastTimeout()
	metrics.BrbTimeouts.Inc()
}

func (i *Instance) maybeCommit() {
	if i.committed {
		return
	}
	if len(i.tally[wire.StageReady]) > 2*i.f {
		i.committed = true
		i.stage = wire.StageCommitted
		metrics.BrbCommits.Inc()
		if i.msg != nil {
			i.applyCommit(*i.msg)
			if i.onCommit != nil {
				i.onCommit(*i.msg)
			}
		}
	}
}

// applyCommit writes a committed SetValues transaction's key/value pairs
// into the store, keyed by their decimal string form so a later get(key=7)
// finds the value set by set(key=7, 42) under the literal key "7". Any
// other command kind (e.g. SetValidator) has no store side effect here;
// validatorjoin handles SetValidator separately.
func (i *Instance) applyCommit(msg wire.BroadcastMsg) {
	if i.st == nil || msg.Transaction == nil {
		return
	}
	cmd := msg.Transaction.Command
	if cmd.Kind != wire.CommandSetValues || cmd.SetValues == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, kv := range cmd.SetValues.KeysValues.Pairs() {
		key := []byte(strconv.FormatUint(kv.Key, 10))
		value := []byte(strconv.FormatUint(kv.Value, 10))
		if _, _, err := i.st.Set(ctx, key, value); err != nil {
			i.log.WithError(err).WithField("key", kv.Key).Error("apply committed SetValues to store")
		}
	}
}

func (i *Instance) recordEquivocation(from wire.PublicKey) {
	i.log.WithField("peer", string(from)).Warn("equivocation detected: conflicting message bound to this fingerprint")
}

func (i *Instance) broadcastInit(msg wire.BroadcastMsg) {
	i.broadcastEnvelope(wire.StageInit, &msg)
}

func (i *Instance) broadcastEcho(msg wire.BroadcastMsg) {
	i.broadcastEnvelope(wire.StageEcho, &msg)
}

func (i *Instance) broadcastReady() {
	i.broadcastHashOnly(wire.StageReady)
}

func (i *Instance) broadcastTimeout() {
	i.broadcastHashOnly(wire.StageTimeout)
}

func (i *Instance) broadcastEnvelope(stage wire.BroadcastStage, msg *wire.BroadcastMsg) {
	payload, err := json.Marshal(msg)
	if err != nil {
		i.log.WithError(err).Error("marshal broadcast msg")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	signed, err := i.creds.Sign(ctx, payload)
	if err != nil {
		i.log.WithError(err).Error("sign broadcast envelope")
		return
	}
	b := wire.Broadcast{
		Stage:     stage,
		Msg:       msg,
		PublicKey: i.self,
		Salt:      signed.Salt,
		Signature: signed.Signature,
	}
	i.publish(b)
}

func (i *Instance) broadcastHashOnly(stage wire.BroadcastStage) {
	b := wire.Broadcast{Stage: stage, Fingerprint: i.fingerprint}
	i.publish(b)
}

func (i *Instance) publish(b wire.Broadcast) {
	pm := wire.PeerMsg{Kind: wire.PeerMsgBroadcast, Broadcast: &b}
	out, err := json.Marshal(pm)
	if err != nil {
		i.log.WithError(err).Error("marshal peer msg")
		return
	}
	i.dir.Broadcast(out)
}
