// Package credentials implements the single-owner credential actor: it holds
// the node's Ed25519 signing key and is the only component allowed to touch
// it. Callers send payloads in and get hashes/signatures out over a request
// channel. core/security.go keeps Sign/Verify as free functions since it has
// no private state to protect; here the signing key itself must never be
// cloned into a worker closure, hence the actor.
package credentials

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/wire"
)

// Signed is the result of a sign operation: hash, salt, and signature.
type Signed struct {
	Hash      string
	Salt      uint64
	Signature wire.Signature
}

type signRequest struct {
	payload []byte
	resp    chan Signed
}

// Actor owns the signing key and serves Sign over a channel. Verify is
// pure and side-effect-free, so it runs inline on the caller's goroutine;
// Sign is routed through the actor's single worker goroutine so the private
// key is never shared outside it.
type Actor struct {
	public ed25519.PublicKey
	signCh chan signRequest
	log    *logrus.Entry
}

// New creates an actor. If priv is nil a fresh Ed25519 key pair is
// generated, matching the Keys::Empty branch of equity_core's credential
// service.
func New(priv ed25519.PrivateKey, log *logrus.Logger) (*Actor, error) {
	if log == nil {
		log = logrus.New()
	}
	if priv == nil {
		var err error
		_, priv, err = ed25519.GenerateKey(crand.Reader)
		if err != nil {
			return nil, fmt.Errorf("credentials: generate key: %w", err)
		}
	}
	pub := priv.Public().(ed25519.PublicKey)

	a := &Actor{
		public: pub,
		signCh: make(chan signRequest, 64),
		log:    log.WithField("component", "credentials"),
	}
	go a.run(priv)
	return a, nil
}

func (a *Actor) run(priv ed25519.PrivateKey) {
	for req := range a.signCh {
		hash, salt, sig := sign(priv, req.payload)
		req.resp <- Signed{Hash: hash, Salt: salt, Signature: wire.Signature(hex.EncodeToString(sig))}
	}
}

// PublicKey returns the node's wire-form verification key.
func (a *Actor) PublicKey() wire.PublicKey { return wire.FromBytes(a.public) }

// Sign hashes payload with a fresh random salt and signs the hash. The
// hashing and signing happen on the actor's dedicated goroutine, off the
// caller's critical path.
func (a *Actor) Sign(ctx context.Context, payload []byte) (Signed, error) {
	resp := make(chan Signed, 1)
	select {
	case a.signCh <- signRequest{payload: payload, resp: resp}:
	case <-ctx.Done():
		return Signed{}, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return Signed{}, ctx.Err()
	}
}

// Verify recomputes the hash over payload+salt and checks sig against pub.
// It never fails by returning an error; an unverifiable signature simply
// yields false.
func (a *Actor) Verify(payload []byte, pub wire.PublicKey, salt uint64, sig wire.Signature) bool {
	return Verify(payload, pub, salt, sig)
}

// Verify is the free-function form used by components that only need to
// check a signature and were not handed an Actor (e.g. peer session
// handshake verification against a not-yet-admitted peer's claimed key).
func Verify(payload []byte, pub wire.PublicKey, salt uint64, sig wire.Signature) bool {
	pk, err := pub.Bytes()
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(string(sig))
	if err != nil {
		return false
	}
	hash := hashPayload(payload, salt)
	return ed25519.Verify(pk, []byte(hash), sigBytes)
}

func sign(priv ed25519.PrivateKey, payload []byte) (hash string, salt uint64, sig []byte) {
	var saltBuf [8]byte
	// Salt is drawn fresh per signing operation so that two signings of the
	// same payload produce different hashes/signatures; replay protection is
	// delegated entirely to dedup-by-fingerprint. Not a nonce: nothing tracks
	// salts to reject reuse, the hash just won't collide across signings.
	if _, err := crand.Read(saltBuf[:]); err != nil {
		panic(fmt.Errorf("credentials: reading random salt: %w", err))
	}
	salt = binary.LittleEndian.Uint64(saltBuf[:])
	hash = hashPayload(payload, salt)
	sig = ed25519.Sign(priv, []byte(hash))
	return hash, salt, sig
}

func hashPayload(payload []byte, salt uint64) string {
	var saltBuf [8]byte
	binary.LittleEndian.PutUint64(saltBuf[:], salt)
	digest := sha512.New()
	digest.Write(payload)
	digest.Write(saltBuf[:])
	return fmt.Sprintf("%X", digest.Sum(nil))
}
