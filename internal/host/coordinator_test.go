package host

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oriys/midas/internal/event"
	"github.com/oriys/midas/internal/protocol"
	"github.com/oriys/midas/internal/table"
)

// fakeNet records sends and closes without any real sockets.
type fakeNet struct {
	sent   map[event.EndpointID][]protocol.Message
	closed map[event.EndpointID]bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		sent:   make(map[event.EndpointID][]protocol.Message),
		closed: make(map[event.EndpointID]bool),
	}
}

var errClosed = errors.New("endpoint closed")

func (f *fakeNet) Send(ep event.EndpointID, m protocol.Message) error {
	if f.closed[ep] {
		return errClosed
	}
	f.sent[ep] = append(f.sent[ep], m)
	return nil
}

func (f *fakeNet) CloseEndpoint(ep event.EndpointID) { f.closed[ep] = true }

type harness struct {
	c   *Coordinator
	net *fakeNet
	ui  *event.Sink
}

func newHarness() *harness {
	net := newFakeNet()
	ui := event.NewSink(1024)
	return &harness{
		c:   New(event.NewRouter(1024), ui, net, nil),
		net: net,
		ui:  ui,
	}
}

func (h *harness) connect(ep event.EndpointID, name string) {
	h.c.handle(event.EndpointAdded{Endpoint: ep})
	h.c.handle(event.MessageReceived{Endpoint: ep, Msg: protocol.Register{Name: name}})
}

func (h *harness) drainUI() []event.UIEvent {
	var out []event.UIEvent
	for {
		select {
		case ev := <-h.ui.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) logs(sev event.Severity) []event.Log {
	var out []event.Log
	for _, ev := range h.drainUI() {
		if l, ok := ev.(event.Log); ok && l.Severity == sev {
			out = append(out, l)
		}
	}
	return out
}

func writeScript(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.js")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sumScript = `
function generate_data(i, n) {
	return { x: i + 1 };
}
function execute_code() {
	return { y: global_data.x * 2 };
}
function interpret_results() {
	var sum = 0;
	for (var i = 1; i < results.length; i++) {
		sum += results[i].y;
	}
	return "sum=" + sum;
}
`

func resultTable(t *testing.T, y int64) table.Table {
	t.Helper()
	tab, err := table.FromPairs([]table.Entry{{Key: table.String("y"), Val: table.Int(y)}})
	if err != nil {
		t.Fatal(err)
	}
	return tab
}

func TestTwoWorkerSum(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.connect("ep-b", "B")
	h.drainUI()

	h.c.handle(event.Begin{Path: writeScript(t, sumScript)})

	// Per-endpoint dispatch order is Data, Code, Execute.
	for i, ep := range []event.EndpointID{"ep-a", "ep-b"} {
		msgs := h.net.sent[ep]
		if len(msgs) != 3 {
			t.Fatalf("%s received %d messages, want 3", ep, len(msgs))
		}
		data, ok := msgs[0].(protocol.Data)
		if !ok {
			t.Fatalf("%s message 0 = %T, want Data", ep, msgs[0])
		}
		x, _ := data.Payload.Get(table.String("x"))
		if x.Int != int64(i+1) {
			t.Fatalf("%s input x = %d, want %d", ep, x.Int, i+1)
		}
		if _, ok := msgs[1].(protocol.Code); !ok {
			t.Fatalf("%s message 1 = %T, want Code", ep, msgs[1])
		}
		if _, ok := msgs[2].(protocol.Execute); !ok {
			t.Fatalf("%s message 2 = %T, want Execute", ep, msgs[2])
		}
	}

	h.c.handle(event.MessageReceived{Endpoint: "ep-b", Msg: protocol.Result{Payload: resultTable(t, 4)}})
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Result{Payload: resultTable(t, 2)}})

	var summaries []string
	for _, ev := range h.drainUI() {
		if r, ok := ev.(event.InterpretResultsReturn); ok {
			summaries = append(summaries, r.Text)
		}
	}
	if len(summaries) != 1 || summaries[0] != "sum=6" {
		t.Fatalf("summaries = %v, want exactly [sum=6]", summaries)
	}
	if h.c.job != nil {
		t.Fatal("job state must be cleared after aggregation")
	}
}

func TestRepeatedResultKeepsLast(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.connect("ep-b", "B")
	h.drainUI()

	h.c.handle(event.Begin{Path: writeScript(t, sumScript)})
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Result{Payload: resultTable(t, 2)}})
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Result{Payload: resultTable(t, 10)}})
	h.c.handle(event.MessageReceived{Endpoint: "ep-b", Msg: protocol.Result{Payload: resultTable(t, 4)}})

	var summaries []string
	for _, ev := range h.drainUI() {
		if r, ok := ev.(event.InterpretResultsReturn); ok {
			summaries = append(summaries, r.Text)
		}
	}
	if len(summaries) != 1 || summaries[0] != "sum=14" {
		t.Fatalf("summaries = %v, want exactly [sum=14]", summaries)
	}
}

func TestPauseForwardingAndAcks(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.drainUI()

	h.c.handle(event.PauseOne{Endpoint: "ep-a"})
	msgs := h.net.sent["ep-a"]
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if _, ok := msgs[0].(protocol.Pause); !ok {
		t.Fatalf("forwarded %T, want Pause", msgs[0])
	}

	// Status only changes on the worker's acknowledgement.
	rec, _ := h.c.registry.ByName("A")
	if rec.Status != event.StatusIdle {
		t.Fatal("forwarding Pause must not change status directly")
	}
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Paused{}})
	if rec.Status != event.StatusPaused {
		t.Fatalf("status = %v after Paused ack, want Paused", rec.Status)
	}
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Executing{}})
	if rec.Status != event.StatusCalculating {
		t.Fatalf("status = %v after Executing ack, want Calculating", rec.Status)
	}
}

func TestPauseAllPlayAll(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.connect("ep-b", "B")

	h.c.handle(event.PauseAll{})
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Paused{}})
	h.c.handle(event.MessageReceived{Endpoint: "ep-b", Msg: protocol.Paused{}})
	h.c.handle(event.PlayAll{})
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Executing{}})
	h.c.handle(event.MessageReceived{Endpoint: "ep-b", Msg: protocol.Executing{}})

	h.c.registry.Each(func(rec *Record) {
		if rec.Status != event.StatusCalculating {
			t.Errorf("%s status = %v, want Calculating", rec.Name, rec.Status)
		}
	})
	for _, ep := range []event.EndpointID{"ep-a", "ep-b"} {
		if len(h.net.sent[ep]) != 2 {
			t.Errorf("%s received %d messages, want Pause+Play", ep, len(h.net.sent[ep]))
		}
	}
}

func TestKillDisconnectAbortsJob(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.connect("ep-b", "B")
	h.drainUI()

	h.c.handle(event.Begin{Path: writeScript(t, sumScript)})
	h.c.handle(event.KillOne{Endpoint: "ep-a"})

	// The killed worker terminates and its transport drops.
	h.c.handle(event.EndpointRemoved{Endpoint: "ep-a"})

	var unregistered bool
	var aborted bool
	for _, ev := range h.drainUI() {
		switch e := ev.(type) {
		case event.ParticipantUnregistered:
			if e.Name == "A" {
				unregistered = true
			}
		case event.Log:
			if e.Severity == event.SeverityError && strings.Contains(e.Message, "disconnected/connected") {
				aborted = true
			}
		}
	}
	if !unregistered {
		t.Fatal("expected ParticipantUnregistered(A)")
	}
	if !aborted {
		t.Fatal("expected membership-changed abort")
	}
	if h.c.job != nil {
		t.Fatal("job must be cleared on membership change")
	}
}

func TestNameConflict(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.drainUI()

	h.c.handle(event.EndpointAdded{Endpoint: "ep-x"})
	h.c.handle(event.MessageReceived{Endpoint: "ep-x", Msg: protocol.Register{Name: "A"}})

	if !h.net.closed["ep-x"] {
		t.Fatal("conflicting endpoint must be closed")
	}
	if len(h.logs(event.SeverityWarning)) == 0 {
		t.Fatal("expected a Warning log for the name conflict")
	}
	rec, ok := h.c.registry.ByName("A")
	if !ok || rec.Endpoint != "ep-a" {
		t.Fatal("existing participant must keep the name")
	}
	if h.c.registry.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", h.c.registry.Len())
	}
}

func TestMembershipChangedAfterResult(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.connect("ep-b", "B")
	h.connect("ep-c", "C")
	h.drainUI()

	h.c.handle(event.Begin{Path: writeScript(t, sumScript)})

	// C returns its result, then disconnects before the others finish.
	h.c.handle(event.MessageReceived{Endpoint: "ep-c", Msg: protocol.Result{Payload: resultTable(t, 6)}})
	h.c.handle(event.EndpointRemoved{Endpoint: "ep-c"})
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Result{Payload: resultTable(t, 2)}})
	h.c.handle(event.MessageReceived{Endpoint: "ep-b", Msg: protocol.Result{Payload: resultTable(t, 4)}})

	for _, ev := range h.drainUI() {
		if _, ok := ev.(event.InterpretResultsReturn); ok {
			t.Fatal("aggregation must not run after a membership change")
		}
	}
	if h.c.job != nil {
		t.Fatal("job must be cleared")
	}
}

func TestHostScriptBug(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.connect("ep-b", "B")
	h.drainUI()

	bug := `
function generate_data(i, n) {
	if (i === 1) { throw new Error("bad slot"); }
	return { x: i };
}
function execute_code() { return {}; }
function interpret_results() { return ""; }
`
	h.c.handle(event.Begin{Path: writeScript(t, bug)})

	if len(h.logs(event.SeverityError)) == 0 {
		t.Fatal("expected Error log from generate_data failure")
	}
	for ep, msgs := range h.net.sent {
		if len(msgs) != 0 {
			t.Fatalf("%s received %v; nothing may be broadcast after a generate_data failure", ep, msgs)
		}
	}
	if h.c.job != nil {
		t.Fatal("job state must be cleared")
	}

	// A subsequent Begin with a healthy script works normally.
	h.c.handle(event.Begin{Path: writeScript(t, sumScript)})
	if h.c.job == nil {
		t.Fatal("second Begin should start a job")
	}
	for _, ep := range []event.EndpointID{"ep-a", "ep-b"} {
		if len(h.net.sent[ep]) != 3 {
			t.Fatalf("%s received %d messages, want 3", ep, len(h.net.sent[ep]))
		}
	}
}

func TestBeginWhileActiveRejected(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.drainUI()

	path := writeScript(t, sumScript)
	h.c.handle(event.Begin{Path: path})
	sentBefore := len(h.net.sent["ep-a"])
	h.c.handle(event.Begin{Path: path})

	if len(h.net.sent["ep-a"]) != sentBefore {
		t.Fatal("second Begin while active must not dispatch anything")
	}
	if len(h.logs(event.SeverityWarning)) == 0 {
		t.Fatal("expected a Warning log for the rejected Begin")
	}
}

func TestProtocolViolationClosesEndpoint(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.drainUI()

	// A host-direction message arriving at the host is illegal.
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Execute{}})
	if !h.net.closed["ep-a"] {
		t.Fatal("violating endpoint must be closed")
	}

	// So is a stateful message from an endpoint that never registered.
	h.c.handle(event.EndpointAdded{Endpoint: "ep-x"})
	h.c.handle(event.MessageReceived{Endpoint: "ep-x", Msg: protocol.Result{}})
	if !h.net.closed["ep-x"] {
		t.Fatal("unregistered sender of Result must be closed")
	}
}

func TestProgressClampedAndCleared(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.drainUI()

	h.c.handle(event.ProgressReceived{Endpoint: "ep-a", Fraction: 1.7})
	rec, _ := h.c.registry.ByName("A")
	if rec.Progress != 10000 {
		t.Fatalf("progress = %d, want clamped 10000", rec.Progress)
	}
	h.c.handle(event.ProgressReceived{Endpoint: "ep-a", Fraction: -0.5})
	if rec.Progress != 0 {
		t.Fatalf("progress = %d, want clamped 0", rec.Progress)
	}

	// Idle transition clears it.
	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Result{Payload: resultTable(t, 1)}})
	if rec.HasProgress() {
		t.Fatal("progress must clear on transition to Idle")
	}
}

func TestResultWithoutJobDiscarded(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.drainUI()

	h.c.handle(event.MessageReceived{Endpoint: "ep-a", Msg: protocol.Result{Payload: resultTable(t, 1)}})
	if len(h.logs(event.SeverityWarning)) == 0 {
		t.Fatal("expected Warning for a result with no active job")
	}
}

func TestRemoveAllClosesEverything(t *testing.T) {
	h := newHarness()
	h.connect("ep-a", "A")
	h.c.handle(event.EndpointAdded{Endpoint: "ep-pending"})

	h.c.handle(event.RemoveAll{})
	if !h.net.closed["ep-a"] || !h.net.closed["ep-pending"] {
		t.Fatal("RemoveAll must close registered and pending endpoints")
	}
}
