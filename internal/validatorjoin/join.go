// Package validatorjoin dials a newly bonded validator once its
// SetValidator transaction commits, retrying with bounded exponential
// backoff before giving up. equity_core/lib/p2p_server.rs's
// initialize_network/peer_connection outbound-dial path leaves this as a
// bare single connect_async call; this adds a bounded retry policy (200ms
// -> 5s cap, 5 attempts), mirroring the backoff shape of core/network.go's
// Dialer.
package validatorjoin

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/peersession"
	"github.com/equity-validator/equity/internal/wire"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
	maxAttempts    = 5
)

// Joiner dials newly-bonded validators on commit.
type Joiner struct {
	deps     peersession.Deps
	peerList func() []wire.PublicKey
	log      *logrus.Entry
}

// New builds a Joiner. peerList is called fresh on every dial attempt so
// the handshake always advertises the current peer set.
func New(deps peersession.Deps, peerList func() []wire.PublicKey, log *logrus.Logger) *Joiner {
	if log == nil {
		log = logrus.New()
	}
	return &Joiner{deps: deps, peerList: peerList, log: log.WithField("component", "validatorjoin")}
}

// OnCommit is wired as a BRB commit callback: it inspects the committed
// message and, if it is a SetValidator transaction, dials the advertised
// address in the background.
func (j *Joiner) OnCommit(msg wire.BroadcastMsg) {
	if msg.Kind != wire.BroadcastTransaction || msg.Transaction == nil {
		return
	}
	cmd := msg.Transaction.Command
	if cmd.Kind != wire.CommandSetValidator || cmd.SetValidator == nil {
		return
	}
	addr := cmd.SetValidator.WS
	pub := msg.Transaction.PublicKey
	if pub == j.deps.Self {
		return // no point dialing ourselves
	}
	if _, already := j.deps.Dir.Get(pub); already {
		return
	}
	go j.dialWithBackoff(addr)
}

func (j *Joiner) dialWithBackoff(addr string) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sess, err := peersession.Dial(ctx, addr, j.deps, j.peerList())
		cancel()
		if err == nil {
			go sess.Run(context.Background())
			return
		}
		lastErr = err
		j.log.WithError(err).WithField("attempt", attempt).WithField("addr", addr).Debug("validator dial failed, retrying")
		if attempt == maxAttempts {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	j.log.WithError(lastErr).WithField("addr", addr).Warn("giving up on validator join after exhausting retries")
}

// DialSeed performs the initial seed-peer connection a validator makes at
// startup, matching the original's unconditional initialize_network call
// when a non-empty seed address is configured. Unlike OnCommit's
// fire-and-forget dial it runs synchronously so startup can report failure.
// If expectedPub is non-empty, the session is torn down and rejected unless
// the remote's handshake-verified identity matches it, so a misconfigured
// seed address can never be mistaken for the intended validator.
func DialSeed(ctx context.Context, addr string, expectedPub wire.PublicKey, deps peersession.Deps, peerList []wire.PublicKey) error {
	sess, err := peersession.Dial(ctx, addr, deps, peerList)
	if err != nil {
		return fmt.Errorf("validatorjoin: dial seed %s: %w", addr, err)
	}
	if expectedPub != "" && sess.Peer() != expectedPub {
		sess.Close()
		return fmt.Errorf("validatorjoin: seed %s identity %q does not match configured seed peer public key %q", addr, sess.Peer(), expectedPub)
	}
	go sess.Run(context.Background())
	return nil
}
