// Package clientsession handles one client connection end to end: read a
// ClientMsg frame, dispatch Health or Transaction, write back the
// corresponding response. Grounded on the original client_server.rs
// connection handler (health/transaction switch over a channel-fed writer),
// re-expressed over transport.Conn with admission.Pipeline doing the actual
// transaction work instead of inline database calls.
package clientsession

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/equity-validator/equity/internal/admission"
	"github.com/equity-validator/equity/internal/transport"
	"github.com/equity-validator/equity/internal/wire"
)

// Session owns one client connection.
type Session struct {
	id    string
	conn  transport.Conn
	admit *admission.Pipeline
	log   *logrus.Entry
}

// New wraps conn with the admission pipeline it should dispatch
// transactions to. Each session gets a random ID purely for log
// correlation; it never appears on the wire.
func New(conn transport.Conn, admit *admission.Pipeline, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.New()
	}
	id := uuid.NewString()
	return &Session{id: id, conn: conn, admit: admit, log: log.WithFields(logrus.Fields{"component": "clientsession", "session_id": id})}
}

// Run reads and answers ClientMsg frames until the connection closes or ctx
// is done.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	// ReadMessage blocks on the network regardless of ctx; closing the
	// connection is what actually unblocks the loop below on shutdown.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Debug("client read failed, closing session")
			return
		}
		var msg wire.ClientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.WithError(err).Warn("malformed client frame, ignoring")
			continue
		}
		if err := s.dispatch(ctx, msg); err != nil {
			s.log.WithError(err).Debug("client write failed, closing session")
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg wire.ClientMsg) error {
	switch msg.Kind {
	case wire.ClientHealth:
		return s.reply(wire.HealthResponse{Up: true})
	case wire.ClientTransaction:
		if msg.Transaction == nil {
			return s.reply(wire.TransactionVerdict{Success: false, Msg: "missing transaction body"})
		}
		verdict, err := s.admit.Admit(ctx, *msg.Transaction)
		if err != nil {
			return s.reply(wire.TransactionVerdict{Success: false, Msg: fmt.Sprintf("internal error: %v", err)})
		}
		return s.reply(verdict)
	default:
		return s.reply(wire.TransactionVerdict{Success: false, Msg: fmt.Sprintf("unrecognized client message kind %q", msg.Kind)})
	}
}

func (s *Session) reply(v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("clientsession: marshal reply: %w", err)
	}
	return s.conn.WriteMessage(out)
}
