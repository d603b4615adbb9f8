// Package admission implements the transaction intake pipeline: dedup by
// fingerprint, Ed25519 signature verification, then submission to BRB.
// Grounded on the original onomy-rs client_server.rs transaction handler,
// which checks the store for the hash before verifying and only writes the
// record once verification passes; re-expressed here with an atomic
// InsertIfAbsent instead of a bare Get+Set, since the exactly-once guarantee
// has to survive two concurrent submissions of the same transaction.
package admission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/brb"
	"github.com/equity-validator/equity/internal/credentials"
	"github.com/equity-validator/equity/internal/metrics"
	"github.com/equity-validator/equity/internal/peerdir"
	"github.com/equity-validator/equity/internal/store"
	"github.com/equity-validator/equity/internal/wire"
)

// Pipeline admits client-submitted transactions into the store and BRB.
type Pipeline struct {
	store    store.Store
	registry *brb.Registry
	dir      *peerdir.Directory
	self     wire.PublicKey
	log      *logrus.Entry
}

// New builds an admission pipeline over the given store, BRB registry, and
// peer directory (used to size the instance's quorum, n = peers + self).
func New(st store.Store, registry *brb.Registry, dir *peerdir.Directory, self wire.PublicKey, log *logrus.Logger) *Pipeline {
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{
		store:    st,
		registry: registry,
		dir:      dir,
		self:     self,
		log:      log.WithField("component", "admission"),
	}
}

// Admit runs a submitted transaction through dedup, verification, and BRB
// submission, returning the structured verdict a client session replies
// with. It never returns a Go error for a rejected transaction: only the
// verdict's Success/Msg fields carry that. A non-nil error here means the
// store itself is unavailable.
func (p *Pipeline) Admit(ctx context.Context, tx wire.Transaction) (wire.TransactionVerdict, error) {
	fp := tx.Fingerprint()

	if _, exists, err := p.store.Get(ctx, []byte(fp)); err != nil {
		return wire.TransactionVerdict{}, fmt.Errorf("admission: store get: %w", err)
	} else if exists {
		metrics.AdmissionResults.WithLabelValues("duplicate").Inc()
		return wire.TransactionVerdict{Success: false, Msg: "duplicate transaction"}, nil
	}

	payload := wire.CanonicalizeCommand(tx.Command)
	if !credentials.Verify(payload, tx.PublicKey, tx.Salt, tx.Signature) {
		metrics.AdmissionResults.WithLabelValues("bad_signature").Inc()
		return wire.TransactionVerdict{Success: false, Msg: "signature verification failed"}, nil
	}

	raw, err := json.Marshal(tx)
	if err != nil {
		return wire.TransactionVerdict{}, fmt.Errorf("admission: marshal transaction: %w", err)
	}
	inserted, err := p.store.InsertIfAbsent(ctx, []byte(fp), raw)
	if err != nil {
		return wire.TransactionVerdict{}, fmt.Errorf("admission: store insert: %w", err)
	}
	if !inserted {
		// Lost the race to a concurrent submission of the identical
		// fingerprint between the Get above and this insert.
		metrics.AdmissionResults.WithLabelValues("duplicate").Inc()
		return wire.TransactionVerdict{Success: false, Msg: "duplicate transaction"}, nil
	}

	n := p.dir.Cardinality() + 1 // +1 for self
	inst := p.registry.RouteOrCreate(fp, n)
	inst.LocalSubmit(wire.BroadcastMsg{Kind: wire.BroadcastTransaction, Transaction: &tx})

	metrics.AdmissionResults.WithLabelValues("accepted").Inc()
	return wire.TransactionVerdict{Success: true, Msg: "transaction admitted"}, nil
}
