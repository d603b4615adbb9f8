// Package transport wraps gorilla/websocket into the framed binary message
// channel that the rest of the node treats as an external collaborator:
// peer sessions and client sessions read/write whole JSON documents and
// never see sockets, upgraders, or dial mechanics directly. Grounded on the
// handshake/listener split in the original onomy-rs p2p_server.rs and
// client_server.rs, which layer tokio-tungstenite the same way.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a framed, bidirectional message channel. One message in, one
// message out; the caller owns decoding.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
	RemoteAddr() net.Addr
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, payload, err := w.c.ReadMessage()
	return payload, err
}

func (w *wsConn) WriteMessage(payload []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, payload)
}

func (w *wsConn) Close() error { return w.c.Close() }

func (w *wsConn) RemoteAddr() net.Addr { return w.c.RemoteAddr() }

// Listener accepts incoming websocket connections on a single HTTP path and
// hands each upgraded connection to Accept.
type Listener struct {
	addr     string
	upgrader websocket.Upgrader
	ln       net.Listener
	srv      *http.Server
	connCh   chan Conn
	errCh    chan error
}

// Listen starts an HTTP server on addr that upgrades every request on "/"
// to a websocket and delivers the resulting Conn to Accept. CheckOrigin is
// disabled: peers and clients are authenticated at the application layer
// (PeerInit / transaction signatures), not by browser origin.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	l := &Listener{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ln:     ln,
		connCh: make(chan Conn),
		errCh:  make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case l.errCh <- err:
			default:
			}
		}
		close(l.connCh)
	}()

	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.connCh <- &wsConn{c: conn}
}

// Accept blocks until a peer connects, the listener is closed, or ctx is
// done.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c, ok := <-l.connCh:
		if !ok {
			return nil, fmt.Errorf("transport: listener closed")
		}
		return c, nil
	case err := <-l.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.srv.Close()
}

// Dial opens an outbound websocket connection to addr, matching the
// original client_server.rs's outbound connect path.
func Dial(ctx context.Context, addr string) (Conn, error) {
	url := fmt.Sprintf("ws://%s/", addr)
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &wsConn{c: c}, nil
}
