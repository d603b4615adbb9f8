// Package wire defines the JSON message schema exchanged between clients,
// validators, and the credential actor. Every tagged union in this package
// (ClientMsg, PeerMsg, Broadcast, TransactionCommand, BroadcastMsg) is a
// JSON object whose single key names the variant, e.g. {"SetValues": {...}},
// decoded into an explicit Kind field rather than Go interface embedding,
// mirroring the enum-style payloads the validator core receives off the wire.
package wire

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PublicKey is the hex-encoded, standard Ed25519 byte representation of a
// validator or client verification key. Hex is used (rather than base64) so
// keys read cleanly in logs and as map keys in the peer directory.
type PublicKey string

// FromBytes renders a raw Ed25519 public key as its wire form.
func FromBytes(b ed25519.PublicKey) PublicKey {
	return PublicKey(hex.EncodeToString(b))
}

// Bytes decodes the wire form back into a raw Ed25519 public key.
func (k PublicKey) Bytes() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(k))
	if err != nil {
		return nil, fmt.Errorf("public key %q: %w", k, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key %q: want %d bytes, got %d", k, ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Signature is the hex-encoded Ed25519 signature.
type Signature string

// Fingerprint is the uppercase-hex SHA-512 digest that identifies a signed
// payload. It is simultaneously the dedup key and the BRB instance key.
type Fingerprint string

// SignedPayload is the envelope the credential actor produces for any signed
// message: payload bytes, the signer's public key, the random salt mixed
// into the hash, the resulting hash, and the signature over that hash.
type SignedPayload struct {
	Payload   []byte    `json:"payload"`
	PublicKey PublicKey `json:"public_key"`
	Salt      uint64    `json:"salt"`
	Hash      string    `json:"hash"`
	Signature Signature `json:"signature"`
}

// Transaction is the client-submitted unit of state change. Hash is the
// transaction's fingerprint and the BRB/dedup key.
type Transaction struct {
	Command   TransactionCommand `json:"command"`
	PublicKey PublicKey          `json:"public_key"`
	Hash      string             `json:"hash"`
	Salt      uint64             `json:"salt"`
	Signature Signature          `json:"signature"`
}

// Fingerprint returns the transaction's dedup / BRB key.
func (t Transaction) Fingerprint() Fingerprint { return Fingerprint(t.Hash) }

// TransactionCommandKind discriminates the TransactionCommand union.
type TransactionCommandKind string

const (
	CommandSetValues    TransactionCommandKind = "SetValues"
	CommandSetValidator TransactionCommandKind = "SetValidator"
)

// KeyValues is a map u64 -> u64 held as parallel Keys/Values slices, so
// in-memory iteration follows insertion order. On the wire it is a plain
// JSON object: MarshalJSON writes keys in encoding/json's sorted string
// order (so "10" comes before "2"), and UnmarshalJSON fills the slices in Go
// map iteration order, which is not defined; a decoded KeyValues does not
// keep the key order of the JSON text.
type KeyValues struct {
	Keys   []uint64
	Values []uint64
}

// Set assigns value for key, appending if key is new and overwriting the
// value in place if key was already present (first-seen order is kept).
func (kv *KeyValues) Set(key, value uint64) {
	for i, k := range kv.Keys {
		if k == key {
			kv.Values[i] = value
			return
		}
	}
	kv.Keys = append(kv.Keys, key)
	kv.Values = append(kv.Values, value)
}

// Pairs returns the key/value pairs in slice order (see KeyValues).
func (kv KeyValues) Pairs() []struct{ Key, Value uint64 } {
	out := make([]struct{ Key, Value uint64 }, len(kv.Keys))
	for i := range kv.Keys {
		out[i] = struct{ Key, Value uint64 }{kv.Keys[i], kv.Values[i]}
	}
	return out
}

func (kv KeyValues) MarshalJSON() ([]byte, error) {
	m := make(map[string]uint64, len(kv.Keys))
	for i, k := range kv.Keys {
		m[fmt.Sprintf("%d", k)] = kv.Values[i]
	}
	return json.Marshal(m)
}

func (kv *KeyValues) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	kv.Keys = kv.Keys[:0]
	kv.Values = kv.Values[:0]
	for ks, v := range m {
		var k uint64
		if _, err := fmt.Sscanf(ks, "%d", &k); err != nil {
			return fmt.Errorf("keys_values key %q: %w", ks, err)
		}
		kv.Keys = append(kv.Keys, k)
		kv.Values = append(kv.Values, v)
	}
	return nil
}

// TransactionCommand is the tagged union SetValues | SetValidator.
type TransactionCommand struct {
	Kind        TransactionCommandKind
	SetValues   *SetValuesCommand
	SetValidator *SetValidatorCommand
}

type SetValuesCommand struct {
	KeysValues KeyValues `json:"keys_values"`
}

type SetValidatorCommand struct {
	WS string `json:"ws"`
}

func (c TransactionCommand) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case CommandSetValues:
		return json.Marshal(map[string]*SetValuesCommand{"SetValues": c.SetValues})
	case CommandSetValidator:
		return json.Marshal(map[string]*SetValidatorCommand{"SetValidator": c.SetValidator})
	default:
		return nil, fmt.Errorf("transaction command: unknown kind %q", c.Kind)
	}
}

func (c *TransactionCommand) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if raw, ok := probe["SetValues"]; ok {
		var v SetValuesCommand
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Kind = CommandSetValues
		c.SetValues = &v
		return nil
	}
	if raw, ok := probe["SetValidator"]; ok {
		var v SetValidatorCommand
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Kind = CommandSetValidator
		c.SetValidator = &v
		return nil
	}
	return fmt.Errorf("transaction command: unrecognized variant in %s", data)
}

// BroadcastMsgKind discriminates what a BRB instance is carrying.
type BroadcastMsgKind string

const (
	BroadcastTransaction BroadcastMsgKind = "Transaction"
	BroadcastConsensus   BroadcastMsgKind = "Consensus" // reserved, unused
)

// BroadcastMsg is the payload a BRB instance agrees on.
type BroadcastMsg struct {
	Kind        BroadcastMsgKind
	Transaction *Transaction
}

func (m BroadcastMsg) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case BroadcastTransaction:
		return json.Marshal(map[string]*Transaction{"Transaction": m.Transaction})
	default:
		return nil, fmt.Errorf("broadcast msg: unsupported kind %q", m.Kind)
	}
}

func (m *BroadcastMsg) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if raw, ok := probe["Transaction"]; ok {
		var tx Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		m.Kind = BroadcastTransaction
		m.Transaction = &tx
		return nil
	}
	return fmt.Errorf("broadcast msg: unrecognized variant in %s", data)
}

// Fingerprint returns the dedup/BRB key of the wrapped message.
func (m BroadcastMsg) Fingerprint() Fingerprint {
	switch m.Kind {
	case BroadcastTransaction:
		return m.Transaction.Fingerprint()
	default:
		return ""
	}
}

// BroadcastStage discriminates the Init | Echo | Ready | Timeout envelope.
type BroadcastStage string

const (
	StageInit    BroadcastStage = "Init"
	StageEcho    BroadcastStage = "Echo"
	StageReady   BroadcastStage = "Ready"
	StageTimeout BroadcastStage = "Timeout"

	// StageCommitted is a local-only BRB instance stage; it is never put on
	// the wire (MarshalJSON/UnmarshalJSON only know Init/Echo/Ready/Timeout),
	// since a committed instance has nothing further to tell peers that
	// Ready amplification hasn't already told them.
	StageCommitted BroadcastStage = "Committed"
)

// Broadcast is one BRB protocol envelope. Init/Echo vouch for a full message
// and carry the broadcaster's identity and signature over the envelope
// (distinct from any inner transaction signature). Ready/Timeout carry only
// the fingerprint, since by that stage every honest node already has the
// message body.
type Broadcast struct {
	Stage       BroadcastStage
	Msg         *BroadcastMsg // set for Init/Echo
	PublicKey   PublicKey     // set for Init/Echo
	Salt        uint64        // set for Init/Echo
	Signature   Signature     // set for Init/Echo
	Fingerprint Fingerprint   // set for Ready/Timeout
}

type broadcastInitEcho struct {
	Msg       *BroadcastMsg `json:"msg"`
	PublicKey PublicKey     `json:"public_key"`
	Salt      uint64        `json:"salt"`
	Signature Signature     `json:"signature"`
}

type broadcastHashOnly struct {
	Hash string `json:"hash"`
}

func (b Broadcast) MarshalJSON() ([]byte, error) {
	switch b.Stage {
	case StageInit, StageEcho:
		body := broadcastInitEcho{Msg: b.Msg, PublicKey: b.PublicKey, Salt: b.Salt, Signature: b.Signature}
		return json.Marshal(map[string]broadcastInitEcho{string(b.Stage): body})
	case StageReady, StageTimeout:
		body := broadcastHashOnly{Hash: string(b.Fingerprint)}
		return json.Marshal(map[string]broadcastHashOnly{string(b.Stage): body})
	default:
		return nil, fmt.Errorf("broadcast: unknown stage %q", b.Stage)
	}
}

func (b *Broadcast) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	for _, stage := range []BroadcastStage{StageInit, StageEcho} {
		if raw, ok := probe[string(stage)]; ok {
			var body broadcastInitEcho
			if err := json.Unmarshal(raw, &body); err != nil {
				return err
			}
			b.Stage = stage
			b.Msg = body.Msg
			b.PublicKey = body.PublicKey
			b.Salt = body.Salt
			b.Signature = body.Signature
			return nil
		}
	}
	for _, stage := range []BroadcastStage{StageReady, StageTimeout} {
		if raw, ok := probe[string(stage)]; ok {
			var body broadcastHashOnly
			if err := json.Unmarshal(raw, &body); err != nil {
				return err
			}
			b.Stage = stage
			b.Fingerprint = Fingerprint(body.Hash)
			return nil
		}
	}
	return fmt.Errorf("broadcast: unrecognized variant in %s", data)
}

// ClientMsgKind discriminates the client-facing union.
type ClientMsgKind string

const (
	ClientHealth      ClientMsgKind = "Health"
	ClientTransaction ClientMsgKind = "Transaction"
)

// ClientMsg is what a client session receives.
type ClientMsg struct {
	Kind        ClientMsgKind
	Transaction *Transaction
}

func (m ClientMsg) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case ClientHealth:
		return json.Marshal(map[string]struct{}{"Health": {}})
	case ClientTransaction:
		return json.Marshal(map[string]*Transaction{"Transaction": m.Transaction})
	default:
		return nil, fmt.Errorf("client msg: unknown kind %q", m.Kind)
	}
}

func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["Health"]; ok {
		m.Kind = ClientHealth
		return nil
	}
	if raw, ok := probe["Transaction"]; ok {
		var tx Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		m.Kind = ClientTransaction
		m.Transaction = &tx
		return nil
	}
	return fmt.Errorf("client msg: unrecognized variant in %s", data)
}

// TransactionVerdict is the structured reply to a client's Transaction
// submission: always a {success, msg} pair, never a bare error.
type TransactionVerdict struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

// HealthResponse answers a Health probe.
type HealthResponse struct {
	Up bool `json:"up"`
}

// PeerMsgKind discriminates the peer-to-peer union.
type PeerMsgKind string

const (
	PeerMsgInit      PeerMsgKind = "PeerInit"
	PeerMsgBroadcast PeerMsgKind = "Broadcast"
)

// PeerInit is the handshake frame every peer session sends first.
type PeerInit struct {
	PeerList  []PublicKey `json:"peer_list"`
	PublicKey PublicKey   `json:"public_key"`
	Salt      uint64      `json:"salt"`
	Signature Signature   `json:"signature"`
}

// PeerMsg is what a peer session receives after the handshake.
type PeerMsg struct {
	Kind      PeerMsgKind
	Init      *PeerInit
	Broadcast *Broadcast
}

func (m PeerMsg) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case PeerMsgInit:
		return json.Marshal(map[string]*PeerInit{"PeerInit": m.Init})
	case PeerMsgBroadcast:
		return json.Marshal(map[string]*Broadcast{"Broadcast": m.Broadcast})
	default:
		return nil, fmt.Errorf("peer msg: unknown kind %q", m.Kind)
	}
}

func (m *PeerMsg) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if raw, ok := probe["PeerInit"]; ok {
		var v PeerInit
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		m.Kind = PeerMsgInit
		m.Init = &v
		return nil
	}
	if raw, ok := probe["Broadcast"]; ok {
		var v Broadcast
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		m.Kind = PeerMsgBroadcast
		m.Broadcast = &v
		return nil
	}
	return fmt.Errorf("peer msg: unrecognized variant in %s", data)
}

// CanonicalizeCommand renders a TransactionCommand the same way regardless of
// map iteration order, so it can be hashed deterministically. It is the Go
// analogue of signing over a serde-stable struct in the original protocol.
func CanonicalizeCommand(c TransactionCommand) []byte {
	b, _ := json.Marshal(c)
	return b
}
