// Package participant implements the worker side: a long-lived script VM fed
// by the host over one TCP connection, and the bootstrap that fans out one
// worker per thread behind a reconnect probe.
//
// A worker runs three goroutines. The reader decodes frames and routes
// lifecycle messages (Pause/Play/Kill) to a control channel and everything
// else to the inbox. The writer drains the outbox so the executor can emit
// without blocking the reader. The executor goroutine owns the VM; scripts
// become pausable and killable only through the _check binding, which is the
// sole suspension and cancellation point.
package participant

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/oriys/midas/internal/logging"
	"github.com/oriys/midas/internal/protocol"
	"github.com/oriys/midas/internal/script"
	"github.com/oriys/midas/internal/table"
)

const (
	inboxSize  = 64
	ctrlSize   = 16
	outboxSize = 64
)

var (
	// ErrKilled reports that the host killed this worker.
	ErrKilled = errors.New("participant: killed by host")
	// ErrDisconnected reports that the host connection dropped.
	ErrDisconnected = errors.New("participant: host disconnected")
)

// Worker is one registered logical participant.
type Worker struct {
	name   string
	conn   net.Conn
	engine *script.Engine

	inbox  chan protocol.Message // Code, Data, Execute
	ctrl   chan protocol.Message // Pause, Play, Kill in arrival order
	outbox chan protocol.Message
	dead   chan struct{} // closed when the writer gives up

	// pendingCtrl buffers Pause/Play that arrived outside an execution
	// window; the next _check observes them before anything newer. Only the
	// executor goroutine touches it.
	pendingCtrl []protocol.Message

	lastProgress time.Time
}

// NewWorker wraps an established connection. The worker registers itself
// when Run starts.
func NewWorker(name string, conn net.Conn) *Worker {
	w := &Worker{
		name:   name,
		conn:   conn,
		engine: script.New(),
		inbox:  make(chan protocol.Message, inboxSize),
		ctrl:   make(chan protocol.Message, ctrlSize),
		outbox: make(chan protocol.Message, outboxSize),
		dead:   make(chan struct{}),
	}
	w.installBindings()
	return w
}

// Run registers with the host and serves messages until the worker is killed
// or the transport drops. The connection is closed on the way out.
func (w *Worker) Run() error {
	defer w.conn.Close()
	defer close(w.outbox)

	go w.writeLoop()
	go w.readLoop()

	w.send(protocol.Register{Name: w.name})
	w.send(protocol.Whisper{Line: fmt.Sprintf("worker %s ready", w.name)})

	for {
		select {
		case m, ok := <-w.inbox:
			if !ok {
				return ErrDisconnected
			}
			switch msg := m.(type) {
			case protocol.Code:
				w.loadCode(msg.Source)
			case protocol.Data:
				w.bindData(msg.Payload)
			case protocol.Execute:
				if err := w.execute(); err != nil {
					return err
				}
			default:
				logging.Op().Warn("unexpected message in worker inbox", "message", protocol.Name(m))
			}

		case m, ok := <-w.ctrl:
			if !ok {
				return ErrDisconnected
			}
			if _, killed := m.(protocol.Kill); killed {
				return ErrKilled
			}
			w.pendingCtrl = append(w.pendingCtrl, m)
		}
	}
}

// loadCode evaluates script source on the persistent VM. Evaluating new
// source is also how the VM is reset between jobs.
func (w *Worker) loadCode(source string) {
	if err := w.engine.Load(source); err != nil {
		w.send(protocol.ScriptError{Msg: err.Error()})
		return
	}
	if !w.engine.Has(script.FuncExecuteCode) {
		w.send(protocol.ScriptWarning{Msg: "script defines no execute_code function"})
	}
}

// bindData installs the input table as global_data, replacing any previous
// binding.
func (w *Worker) bindData(payload table.Table) {
	if err := payload.Validate(); err != nil {
		w.send(protocol.ScriptError{Msg: fmt.Sprintf("rejecting input data: %v", err)})
		return
	}
	if err := w.engine.SetGlobalData(payload); err != nil {
		w.send(protocol.ScriptError{Msg: fmt.Sprintf("could not bind input data: %v", err)})
	}
}

// execute runs execute_code() to completion or death. A non-nil error
// terminates the worker; script failures are reported and leave it idle.
func (w *Worker) execute() error {
	w.send(protocol.Executing{})
	w.lastProgress = time.Time{}

	result, err := w.engine.ExecuteCode()
	if err != nil {
		if v, interrupted := script.InterruptValue(err); interrupted {
			w.engine.ClearInterrupt()
			if fatal, ok := v.(error); ok {
				return fatal
			}
			return ErrKilled
		}
		w.send(protocol.ScriptError{Msg: err.Error()})
		return nil
	}
	w.send(protocol.Result{Payload: result})
	return nil
}

/* Script bindings */

func (w *Worker) installBindings() {
	w.engine.Bind("_print", func(line string) {
		w.send(protocol.Stdout{Line: line})
	})
	w.engine.Bind("_progress", func(fraction float64, minIntervalMs int64) {
		w.reportProgress(fraction, time.Duration(minIntervalMs)*time.Millisecond)
	})
	w.engine.Bind("_check", func() {
		w.checkpoint()
	})
}

// reportProgress rate-limits Progress against the monotonic clock, and drops
// the update entirely when the outbox is congested.
func (w *Worker) reportProgress(fraction float64, minInterval time.Duration) {
	now := time.Now()
	if !w.lastProgress.IsZero() && now.Sub(w.lastProgress) < minInterval {
		return
	}
	w.lastProgress = now
	select {
	case w.outbox <- protocol.Progress{Fraction: fraction}:
	default:
	}
}

// checkpoint drains lifecycle signals in arrival order: first anything that
// was buffered outside an execution window, then whatever is pending on the
// control channel. On Kill it interrupts the VM, which unwinds the running
// script; on Pause it acknowledges and blocks until Play (or Kill, or
// disconnect) arrives.
func (w *Worker) checkpoint() {
	for len(w.pendingCtrl) > 0 {
		m := w.pendingCtrl[0]
		w.pendingCtrl = w.pendingCtrl[1:]
		if w.handleControl(m) {
			return
		}
	}
	for {
		select {
		case m, ok := <-w.ctrl:
			if !ok {
				w.engine.Interrupt(ErrDisconnected)
				return
			}
			if w.handleControl(m) {
				return
			}
		default:
			return
		}
	}
}

// handleControl processes one lifecycle signal during execution. It reports
// whether the checkpoint should stop draining (the VM is being unwound).
func (w *Worker) handleControl(m protocol.Message) bool {
	switch m.(type) {
	case protocol.Kill:
		w.engine.Interrupt(ErrKilled)
		return true
	case protocol.Pause:
		w.send(protocol.Paused{})
		return w.awaitPlay()
	default:
		logging.Op().Debug("ignoring control message at checkpoint", "message", protocol.Name(m))
		return false
	}
}

// awaitPlay blocks the executor inside the checkpoint until the host resumes
// or kills it. Non-resuming messages observed while paused are logged and
// discarded.
func (w *Worker) awaitPlay() bool {
	for m := range w.ctrl {
		switch m.(type) {
		case protocol.Play:
			w.send(protocol.Executing{})
			return false
		case protocol.Kill:
			w.engine.Interrupt(ErrKilled)
			return true
		default:
			logging.Op().Debug("discarding message during pause", "message", protocol.Name(m))
		}
	}
	// Reader gone: the host connection dropped while paused.
	w.engine.Interrupt(ErrDisconnected)
	return true
}

/* I/O goroutines */

// send enqueues without ever wedging the executor on a dead writer.
func (w *Worker) send(m protocol.Message) {
	select {
	case w.outbox <- m:
	case <-w.dead:
	}
}

func (w *Worker) writeLoop() {
	defer close(w.dead)
	bw := bufio.NewWriter(w.conn)
	for m := range w.outbox {
		if err := protocol.WriteMessage(bw, m); err != nil {
			w.conn.Close()
			return
		}
		if len(w.outbox) == 0 {
			if err := bw.Flush(); err != nil {
				w.conn.Close()
				return
			}
		}
	}
}

// readLoop routes inbound messages until the transport drops, then closes
// both channels so the executor observes end-of-stream wherever it is
// waiting. Sends select against the writer's death so a finished worker
// cannot strand this goroutine on a full channel.
func (w *Worker) readLoop() {
	closeBoth := func() {
		close(w.ctrl)
		close(w.inbox)
	}
	br := bufio.NewReader(w.conn)
	for {
		m, err := protocol.ReadMessage(br)
		if err != nil {
			closeBoth()
			return
		}
		if m.Direction() != protocol.ToParticipant {
			logging.Op().Error("protocol violation from host", "message", protocol.Name(m))
			w.conn.Close()
			closeBoth()
			return
		}
		var target chan protocol.Message
		switch m.(type) {
		case protocol.Pause, protocol.Play, protocol.Kill:
			target = w.ctrl
		default:
			target = w.inbox
		}
		select {
		case target <- m:
		case <-w.dead:
			return
		}
	}
}
