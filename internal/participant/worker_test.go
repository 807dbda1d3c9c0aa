package participant

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/oriys/midas/internal/protocol"
	"github.com/oriys/midas/internal/table"
)

const sumScript = `
function execute_code() {
	return { y: global_data.x * 2 };
}
`

func readMsg(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read from worker: %v", err)
	}
	return m
}

// readUntil skips informational traffic (Whisper, Stdout, Progress) until a
// message of the wanted shape arrives.
func readUntil[T protocol.Message](t *testing.T, conn net.Conn) T {
	t.Helper()
	for {
		m := readMsg(t, conn)
		if got, ok := m.(T); ok {
			return got
		}
		switch m.(type) {
		case protocol.Whisper, protocol.Stdout, protocol.Progress:
		default:
			t.Fatalf("unexpected message %s while waiting", protocol.Name(m))
		}
	}
}

func writeMsg(t *testing.T, conn net.Conn, m protocol.Message) {
	t.Helper()
	if err := protocol.WriteMessage(conn, m); err != nil {
		t.Fatalf("write to worker: %v", err)
	}
}

func inputTable(t *testing.T, x int64) table.Table {
	t.Helper()
	tab, err := table.FromPairs([]table.Entry{{Key: table.String("x"), Val: table.Int(x)}})
	if err != nil {
		t.Fatal(err)
	}
	return tab
}

func TestWorkerRegistersAndExecutes(t *testing.T) {
	hostSide, workerSide := net.Pipe()
	defer hostSide.Close()

	done := make(chan error, 1)
	go func() { done <- NewWorker("A", workerSide).Run() }()

	reg := readUntil[protocol.Register](t, hostSide)
	if reg.Name != "A" {
		t.Fatalf("registered as %q, want A", reg.Name)
	}

	writeMsg(t, hostSide, protocol.Data{Payload: inputTable(t, 3)})
	writeMsg(t, hostSide, protocol.Code{Source: sumScript})
	writeMsg(t, hostSide, protocol.Execute{})

	readUntil[protocol.Executing](t, hostSide)
	res := readUntil[protocol.Result](t, hostSide)
	y, ok := res.Payload.Get(table.String("y"))
	if !ok || y.Int != 6 {
		t.Fatalf("result = %v, want y=6", res.Payload)
	}

	// Dropping the transport ends the worker.
	hostSide.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("worker exit = %v, want ErrDisconnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after disconnect")
	}
}

func TestWorkerScriptErrorReturnsToIdle(t *testing.T) {
	hostSide, workerSide := net.Pipe()
	defer hostSide.Close()

	done := make(chan error, 1)
	go func() { done <- NewWorker("A", workerSide).Run() }()
	readUntil[protocol.Register](t, hostSide)

	writeMsg(t, hostSide, protocol.Code{Source: `function execute_code() { throw new Error("boom"); }`})
	writeMsg(t, hostSide, protocol.Execute{})
	readUntil[protocol.Executing](t, hostSide)
	readUntil[protocol.ScriptError](t, hostSide)

	// Still alive and able to run the next job.
	writeMsg(t, hostSide, protocol.Data{Payload: inputTable(t, 2)})
	writeMsg(t, hostSide, protocol.Code{Source: sumScript})
	writeMsg(t, hostSide, protocol.Execute{})
	readUntil[protocol.Executing](t, hostSide)
	res := readUntil[protocol.Result](t, hostSide)
	if y, _ := res.Payload.Get(table.String("y")); y.Int != 4 {
		t.Fatalf("result after recovery = %v, want y=4", res.Payload)
	}
}

func TestWorkerLoadErrorReported(t *testing.T) {
	hostSide, workerSide := net.Pipe()
	defer hostSide.Close()

	go NewWorker("A", workerSide).Run()
	readUntil[protocol.Register](t, hostSide)

	writeMsg(t, hostSide, protocol.Code{Source: "function ("})
	readUntil[protocol.ScriptError](t, hostSide)
}

/* Checkpoint unit tests drive the executor directly; no I/O goroutines. */

func newBenchWorker(t *testing.T) *Worker {
	t.Helper()
	_, side := net.Pipe()
	w := NewWorker("t", side)
	return w
}

// drainOutbox returns everything the executor emitted, in order.
func drainOutbox(w *Worker) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case m := <-w.outbox:
			out = append(out, m)
		default:
			return out
		}
	}
}

const checkLoop = `
function execute_code() {
	for (var i = 0; i < 100; i++) { _check(); }
	return { done: true };
}
`

func TestCheckpointPauseResume(t *testing.T) {
	w := newBenchWorker(t)
	w.loadCode(checkLoop)
	w.ctrl <- protocol.Pause{}
	w.ctrl <- protocol.Play{}

	if err := w.execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var kinds []string
	for _, m := range drainOutbox(w) {
		kinds = append(kinds, protocol.Name(m))
	}
	want := []string{"Executing", "Paused", "Executing", "Result"}
	if len(kinds) != len(want) {
		t.Fatalf("emitted %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("emitted %v, want %v", kinds, want)
		}
	}
}

func TestCheckpointKill(t *testing.T) {
	w := newBenchWorker(t)
	w.loadCode(checkLoop)
	w.ctrl <- protocol.Kill{}

	if err := w.execute(); !errors.Is(err, ErrKilled) {
		t.Fatalf("execute = %v, want ErrKilled", err)
	}
	// Kill terminates at the checkpoint, so the script never returns.
	for _, m := range drainOutbox(w) {
		if protocol.Name(m) == "Result" {
			t.Fatal("killed execution must not produce a Result")
		}
	}
}

func TestCheckpointKillWhilePaused(t *testing.T) {
	w := newBenchWorker(t)
	w.loadCode(checkLoop)
	w.ctrl <- protocol.Pause{}
	w.ctrl <- protocol.Kill{}

	if err := w.execute(); !errors.Is(err, ErrKilled) {
		t.Fatalf("execute = %v, want ErrKilled", err)
	}
}

func TestBufferedControlObservedAtNextCheckpoint(t *testing.T) {
	// A Pause that arrived while idle is handled by the first checkpoint of
	// the next execution, before anything newer on the live channel.
	w := newBenchWorker(t)
	w.loadCode(checkLoop)
	w.pendingCtrl = append(w.pendingCtrl, protocol.Pause{})
	w.ctrl <- protocol.Play{}

	if err := w.execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var kinds []string
	for _, m := range drainOutbox(w) {
		kinds = append(kinds, protocol.Name(m))
	}
	want := []string{"Executing", "Paused", "Executing", "Result"}
	for i := range want {
		if i >= len(kinds) || kinds[i] != want[i] {
			t.Fatalf("emitted %v, want %v", kinds, want)
		}
	}
}

func TestDisconnectDuringExecution(t *testing.T) {
	w := newBenchWorker(t)
	w.loadCode(checkLoop)
	close(w.ctrl)

	if err := w.execute(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("execute = %v, want ErrDisconnected", err)
	}
}

func TestProgressThrottle(t *testing.T) {
	w := newBenchWorker(t)
	w.loadCode(`
function execute_code() {
	for (var i = 0; i < 50; i++) { _progress(i / 50, 3600000); }
	return {};
}
`)
	if err := w.execute(); err != nil {
		t.Fatal(err)
	}
	var progress int
	for _, m := range drainOutbox(w) {
		if protocol.Name(m) == "Progress" {
			progress++
		}
	}
	if progress != 1 {
		t.Fatalf("emitted %d Progress messages under a huge min interval, want 1", progress)
	}
}

func TestPrintBinding(t *testing.T) {
	w := newBenchWorker(t)
	w.loadCode(`
function execute_code() {
	_print("hello from script");
	return {};
}
`)
	if err := w.execute(); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, m := range drainOutbox(w) {
		if s, ok := m.(protocol.Stdout); ok && s.Line == "hello from script" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected Stdout from _print")
	}
}

func TestWorkerName(t *testing.T) {
	if got := WorkerName("mule", 0, 1); got != "mule" {
		t.Errorf("single worker name = %q, want bare base", got)
	}
	if got := WorkerName("mule", 2, 4); got != "mule-002" {
		t.Errorf("fanned-out name = %q, want mule-002", got)
	}
}
