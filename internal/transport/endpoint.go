// Package transport moves protocol frames over TCP. On the host side a
// Listener accepts connections and turns each into an Endpoint whose reader
// feeds the event router and whose writer drains a buffered outbox, so the
// coordinator can send without ever blocking on a peer. The participant side
// uses Dial plus a probe loop; workers run their own read/write goroutines
// over the raw connection.
package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/oriys/midas/internal/event"
	"github.com/oriys/midas/internal/logging"
	"github.com/oriys/midas/internal/protocol"
)

// outboxSize bounds per-endpoint queued outbound messages. A peer that falls
// this far behind is treated as dead and dropped.
const outboxSize = 64

// ErrEndpointClosed is returned by Send after the endpoint shut down.
var ErrEndpointClosed = errors.New("transport: endpoint closed")

// Endpoint is one accepted connection, identified by an opaque ID for the
// lifetime of the process.
type Endpoint struct {
	id   event.EndpointID
	conn net.Conn

	outbox chan protocol.Message
	closed chan struct{}
	once   sync.Once
}

func newEndpoint(conn net.Conn) *Endpoint {
	return &Endpoint{
		id:     event.EndpointID(uuid.NewString()),
		conn:   conn,
		outbox: make(chan protocol.Message, outboxSize),
		closed: make(chan struct{}),
	}
}

// ID returns the endpoint's opaque identity.
func (e *Endpoint) ID() event.EndpointID { return e.id }

// RemoteAddr returns the peer address for logs.
func (e *Endpoint) RemoteAddr() string { return e.conn.RemoteAddr().String() }

// Send enqueues m for the writer goroutine. It never blocks: a full outbox
// means the peer stopped draining, and the endpoint is closed instead.
func (e *Endpoint) Send(m protocol.Message) error {
	select {
	case <-e.closed:
		return ErrEndpointClosed
	default:
	}
	select {
	case e.outbox <- m:
		return nil
	case <-e.closed:
		return ErrEndpointClosed
	default:
		logging.Op().Warn("endpoint outbox full, dropping connection",
			"endpoint", e.id, "peer", e.RemoteAddr())
		e.Close()
		return ErrEndpointClosed
	}
}

// Close shuts the connection down. Idempotent; the reader goroutine observes
// the closed socket and reports EndpointRemoved.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		close(e.closed)
		e.conn.Close()
	})
}

// writeLoop drains the outbox to the socket, flushing once the queue runs
// dry so small control messages are not held back by buffering.
func (e *Endpoint) writeLoop() {
	w := bufio.NewWriter(e.conn)
	for {
		select {
		case <-e.closed:
			return
		case m := <-e.outbox:
			if err := protocol.WriteMessage(w, m); err != nil {
				e.Close()
				return
			}
			if len(e.outbox) == 0 {
				if err := w.Flush(); err != nil {
					e.Close()
					return
				}
			}
		}
	}
}

// readLoop decodes frames into the router until the connection drops.
// Progress goes through the coalescing path; everything else is delivered
// losslessly in order.
func (e *Endpoint) readLoop(router *event.Router) {
	r := bufio.NewReader(e.conn)
	for {
		m, err := protocol.ReadMessage(r)
		if err != nil {
			e.Close()
			return
		}
		if p, ok := m.(protocol.Progress); ok {
			router.SendProgress(e.id, p.Fraction)
			continue
		}
		router.Send(event.MessageReceived{Endpoint: e.id, Msg: m})
	}
}
