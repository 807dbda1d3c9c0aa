package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/oriys/midas/internal/event"
	"github.com/oriys/midas/internal/logging"
	"github.com/oriys/midas/internal/protocol"
)

// ErrUnknownEndpoint is returned when an operation names an endpoint that is
// no longer tracked.
var ErrUnknownEndpoint = errors.New("transport: unknown endpoint")

// Listener accepts participant connections and feeds their events into the
// router. It also resolves endpoint IDs back to connections for the
// coordinator's outbound sends.
type Listener struct {
	ln     net.Listener
	router *event.Router

	mu        sync.Mutex
	endpoints map[event.EndpointID]*Endpoint
	closed    bool
}

// Listen binds addr and returns a listener ready to Run.
func Listen(addr string, router *event.Router) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		ln:        ln,
		router:    router,
		endpoints: make(map[event.EndpointID]*Endpoint),
	}, nil
}

// Addr returns the bound address (useful when addr had port 0).
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until the listener is closed. For each accepted
// connection it emits EndpointAdded, then pumps frames until disconnect,
// then emits EndpointRemoved. Intended to run on its own goroutine.
func (l *Listener) Run() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			logging.Op().Warn("accept failed", "error", err)
			continue
		}
		ep := newEndpoint(conn)

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			ep.Close()
			return
		}
		l.endpoints[ep.ID()] = ep
		l.mu.Unlock()

		l.router.Send(event.EndpointAdded{Endpoint: ep.ID()})
		go ep.writeLoop()
		go func() {
			ep.readLoop(l.router)
			l.mu.Lock()
			delete(l.endpoints, ep.ID())
			l.mu.Unlock()
			l.router.Send(event.EndpointRemoved{Endpoint: ep.ID()})
		}()
	}
}

// Send forwards m to the endpoint with the given ID.
func (l *Listener) Send(id event.EndpointID, m protocol.Message) error {
	l.mu.Lock()
	ep, ok := l.endpoints[id]
	l.mu.Unlock()
	if !ok {
		return ErrUnknownEndpoint
	}
	return ep.Send(m)
}

// CloseEndpoint drops a single connection. The disconnect event follows from
// the reader goroutine, keeping removal on the one path the coordinator
// already handles.
func (l *Listener) CloseEndpoint(id event.EndpointID) {
	l.mu.Lock()
	ep, ok := l.endpoints[id]
	l.mu.Unlock()
	if ok {
		ep.Close()
	}
}

// Close stops accepting and drops every connection.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	eps := make([]*Endpoint, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		eps = append(eps, ep)
	}
	l.mu.Unlock()

	l.ln.Close()
	for _, ep := range eps {
		ep.Close()
	}
}
