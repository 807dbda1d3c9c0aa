package host

import (
	"fmt"
	"os"

	"github.com/oriys/midas/internal/event"
	"github.com/oriys/midas/internal/logging"
	"github.com/oriys/midas/internal/metrics"
	"github.com/oriys/midas/internal/protocol"
	"github.com/oriys/midas/internal/script"
	"github.com/oriys/midas/internal/table"
)

// Network is the coordinator's view of the transport layer: send a message
// to an endpoint, or drop it. transport.Listener implements it.
type Network interface {
	Send(ep event.EndpointID, m protocol.Message) error
	CloseEndpoint(ep event.EndpointID)
}

// Coordinator owns the registry and job state. It consumes the router's
// inbound stream on a single goroutine; nothing else mutates its state, so
// no locking is needed anywhere below.
type Coordinator struct {
	router *event.Router
	ui     *event.Sink
	net    Network
	met    *metrics.Metrics

	registry *Registry
	job      *job

	// pending tracks accepted endpoints that have not registered yet. They
	// are invisible to jobs but must be closed by RemoveAll.
	pending map[event.EndpointID]struct{}
}

// New wires a coordinator to its router, UI sink and transport. met may be
// nil to run unmetered.
func New(router *event.Router, ui *event.Sink, net Network, met *metrics.Metrics) *Coordinator {
	return &Coordinator{
		router:   router,
		ui:       ui,
		net:      net,
		met:      met,
		registry: NewRegistry(),
		pending:  make(map[event.EndpointID]struct{}),
	}
}

// Run consumes events until a Shutdown command arrives. Intended as the main
// goroutine of a host process.
func (c *Coordinator) Run() {
	for ev := range c.router.Events() {
		if _, done := ev.(event.Shutdown); done {
			return
		}
		c.handle(ev)
	}
}

func (c *Coordinator) handle(ev event.Event) {
	switch e := ev.(type) {
	case event.EndpointAdded:
		c.pending[e.Endpoint] = struct{}{}
		logging.Op().Debug("connection accepted", "endpoint", e.Endpoint)

	case event.EndpointRemoved:
		c.endpointRemoved(e.Endpoint)

	case event.MessageReceived:
		c.message(e.Endpoint, e.Msg)

	case event.ProgressReceived:
		c.progress(e.Endpoint, e.Fraction)

	case event.Begin:
		c.begin(e.Path)

	case event.PauseOne:
		c.forward(e.Endpoint, protocol.Pause{})
	case event.PlayOne:
		c.forward(e.Endpoint, protocol.Play{})
	case event.KillOne:
		c.forward(e.Endpoint, protocol.Kill{})

	case event.PauseAll:
		c.forwardAll(protocol.Pause{})
	case event.PlayAll:
		c.forwardAll(protocol.Play{})
	case event.KillAll:
		c.forwardAll(protocol.Kill{})

	case event.RemoveAll:
		c.removeAll()
	}
}

/* Network events */

func (c *Coordinator) endpointRemoved(ep event.EndpointID) {
	delete(c.pending, ep)
	rec, ok := c.registry.RemoveByEndpoint(ep)
	if !ok {
		return
	}
	c.met.SetParticipants(c.registry.Len())
	c.ui.Send(event.ParticipantUnregistered{Name: rec.Name})
	c.ui.Logf(event.HostSource, event.SeverityInfo,
		fmt.Sprintf("Participant %s disconnected.", rec.Name))
	c.checkMembership()
}

// checkMembership aborts the active job as soon as the registry diverges
// from the snapshot it started with. Waiting for the aggregation point would
// leave a job whose member disconnected before returning hung forever.
func (c *Coordinator) checkMembership() {
	if c.job == nil || c.registry.Matches(c.job.startedWith) {
		return
	}
	c.abortJob("membership_changed",
		"Some participants have disconnected/connected before execution could complete.")
}

func (c *Coordinator) message(ep event.EndpointID, m protocol.Message) {
	c.met.MessageReceived(protocol.Name(m))
	if m.Direction() != protocol.ToHost {
		c.violation(ep, m)
		return
	}

	if reg, ok := m.(protocol.Register); ok {
		c.register(ep, reg.Name)
		return
	}

	// Everything else requires a registered sender.
	rec, ok := c.registry.ByEndpoint(ep)
	if !ok {
		c.violation(ep, m)
		return
	}

	switch msg := m.(type) {
	case protocol.Unregister:
		c.unregister(rec)
	case protocol.Result:
		c.result(rec, msg.Payload)
	case protocol.Executing:
		c.setStatus(rec, event.StatusCalculating)
	case protocol.Paused:
		c.setStatus(rec, event.StatusPaused)
	case protocol.Progress:
		// Normally coalesced by the router; tolerate the direct form.
		c.progress(ep, msg.Fraction)
	case protocol.Stdout:
		c.ui.Logf(event.ParticipantSource(rec.Name), event.SeverityStdout, msg.Line)
	case protocol.Whisper:
		c.ui.Logf(event.ParticipantSource(rec.Name), event.SeverityInfo, msg.Line)
	case protocol.ScriptError:
		c.ui.Logf(event.ParticipantSource(rec.Name), event.SeverityError, msg.Msg)
	case protocol.ScriptWarning:
		c.ui.Logf(event.ParticipantSource(rec.Name), event.SeverityWarning, msg.Msg)
	}
}

// violation handles a message that is illegal from this endpoint in its
// current state: log and drop the connection.
func (c *Coordinator) violation(ep event.EndpointID, m protocol.Message) {
	c.ui.Logf(event.HostSource, event.SeverityError,
		fmt.Sprintf("Protocol violation: unexpected %s message, closing connection.", protocol.Name(m)))
	logging.Op().Error("protocol violation", "endpoint", ep, "message", protocol.Name(m))
	c.net.CloseEndpoint(ep)
}

func (c *Coordinator) register(ep event.EndpointID, name string) {
	_, err := c.registry.Register(name, ep)
	if err != nil {
		if err == ErrNameTaken {
			c.ui.Logf(event.HostSource, event.SeverityWarning,
				fmt.Sprintf("Participant %s could not be registered. Participant with this name already exists.", name))
			c.net.CloseEndpoint(ep)
			return
		}
		// Same endpoint registering twice is a protocol violation.
		c.violation(ep, protocol.Register{Name: name})
		return
	}
	delete(c.pending, ep)
	c.met.SetParticipants(c.registry.Len())
	c.ui.Send(event.ParticipantRegistered{Endpoint: ep, Name: name})
	c.ui.Send(event.ChangeStatusTo{Status: event.StatusIdle, Endpoint: ep, Name: name})
	c.ui.Logf(event.HostSource, event.SeverityInfo,
		fmt.Sprintf("Participant %s registered.", name))
	c.checkMembership()
}

func (c *Coordinator) unregister(rec *Record) {
	c.registry.RemoveByName(rec.Name)
	c.met.SetParticipants(c.registry.Len())
	c.ui.Send(event.ParticipantUnregistered{Name: rec.Name})
	c.checkMembership()
}

func (c *Coordinator) setStatus(rec *Record, st event.Status) {
	c.registry.SetStatus(rec, st)
	c.ui.Send(event.ChangeStatusTo{Status: st, Endpoint: rec.Endpoint, Name: rec.Name})
}

func (c *Coordinator) progress(ep event.EndpointID, fraction float64) {
	rec, ok := c.registry.ByEndpoint(ep)
	if !ok {
		// The sender may have unregistered while the fraction sat in the
		// coalescing buffer.
		return
	}
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	rec.Progress = int(fraction * 10000)
	c.ui.Progress(rec.Name, fraction)
}

func (c *Coordinator) result(rec *Record, payload table.Table) {
	c.met.ResultReceived()
	c.setStatus(rec, event.StatusIdle)

	if c.job == nil {
		c.ui.Logf(event.HostSource, event.SeverityWarning,
			fmt.Sprintf("Discarding result from %s: no job is active.", rec.Name))
		return
	}
	if !c.registry.Matches(c.job.startedWith) {
		c.abortJob("membership_changed",
			"Some participants have disconnected/connected before execution could complete.")
		return
	}
	slot, ok := c.job.startedWith.SlotOf(rec.Endpoint)
	if !ok {
		c.abortJob("membership_changed",
			"Some participants have disconnected/connected before execution could complete.")
		return
	}
	newResult, complete := c.job.store(slot, payload)
	if !newResult {
		c.ui.Logf(event.HostSource, event.SeverityWarning,
			fmt.Sprintf("Repeated result from %s replaces the previous one.", rec.Name))
		return
	}
	if complete {
		c.aggregate()
	}
}

// aggregate runs interpret_results on the host VM and publishes its summary.
// The job ends here whether aggregation succeeds or not.
func (c *Coordinator) aggregate() {
	j := c.job
	c.job = nil

	if err := j.engine.SetResults(j.results); err != nil {
		c.met.JobAborted("interpret_results")
		c.ui.Logf(event.HostSource, event.SeverityError,
			fmt.Sprintf("Could not bind results: %v", err))
		return
	}
	summary, err := j.engine.InterpretResults()
	if err != nil {
		c.met.JobAborted("interpret_results")
		c.ui.Logf(event.HostSource, event.SeverityError,
			fmt.Sprintf("interpret_results failed: %v", err))
		return
	}
	c.met.JobCompleted()
	c.ui.Logf(event.HostSource, event.SeverityResult, summary)
	c.ui.Send(event.InterpretResultsReturn{Text: summary})
}

func (c *Coordinator) abortJob(reason, msg string) {
	c.job = nil
	c.met.JobAborted(reason)
	c.ui.Logf(event.HostSource, event.SeverityError, msg)
}

/* Commands */

// begin runs the dispatch half of a job: load the script on a fresh host VM,
// snapshot the membership, fan out per-slot data, then code, then Execute.
func (c *Coordinator) begin(path string) {
	if c.job != nil {
		c.ui.Logf(event.HostSource, event.SeverityWarning,
			"A job is already running; ignoring Begin.")
		return
	}
	if c.registry.Len() == 0 {
		c.ui.Logf(event.HostSource, event.SeverityWarning,
			"No participants registered; nothing to do.")
		return
	}

	c.ui.Logf(event.HostSource, event.SeverityStarting, "Starting calculations.")

	source, err := os.ReadFile(path)
	if err != nil {
		c.met.JobAborted("read_script")
		c.ui.Logf(event.HostSource, event.SeverityError,
			fmt.Sprintf("Could not read script %s: %v", path, err))
		return
	}

	engine := script.New()
	if err := engine.Load(string(source)); err != nil {
		c.met.JobAborted("script_load")
		c.ui.Logf(event.HostSource, event.SeverityError,
			fmt.Sprintf("Script failed to load: %v", err))
		return
	}

	snapshot := c.registry.Snapshot()
	n := len(snapshot)

	// All inputs are generated before anything is broadcast, so a script bug
	// on any slot aborts the job with no participant ever hearing about it.
	inputs := make([]table.Table, n)
	for i := range snapshot {
		t, err := engine.GenerateData(i, n)
		if err != nil {
			c.met.JobAborted("generate_data")
			c.ui.Logf(event.HostSource, event.SeverityError,
				fmt.Sprintf("generate_data(%d, %d) failed: %v", i, n, err))
			return
		}
		inputs[i] = t
	}

	c.job = newJob(snapshot, engine)
	c.met.JobStarted()

	for i, m := range snapshot {
		c.send(m.Endpoint, protocol.Data{Payload: inputs[i]})
	}
	for _, m := range snapshot {
		c.send(m.Endpoint, protocol.Code{Source: string(source)})
	}
	for _, m := range snapshot {
		c.send(m.Endpoint, protocol.Execute{})
		if rec, ok := c.registry.ByEndpoint(m.Endpoint); ok {
			c.setStatus(rec, event.StatusCalculating)
		}
	}
}

// forward relays a lifecycle message without touching job state; the
// worker's Paused/Executing acknowledgement is what updates status.
func (c *Coordinator) forward(ep event.EndpointID, m protocol.Message) {
	c.send(ep, m)
}

func (c *Coordinator) forwardAll(m protocol.Message) {
	c.registry.Each(func(rec *Record) {
		c.send(rec.Endpoint, m)
	})
}

func (c *Coordinator) send(ep event.EndpointID, m protocol.Message) {
	c.met.MessageSent(protocol.Name(m))
	if err := c.net.Send(ep, m); err != nil {
		// The disconnect event will follow and clean up; membership checks
		// take care of any active job.
		logging.Op().Warn("send failed", "endpoint", ep, "message", protocol.Name(m), "error", err)
	}
}

// removeAll drops every connection, registered or pending. Registry entries
// are cleaned by the resulting disconnect events.
func (c *Coordinator) removeAll() {
	c.registry.Each(func(rec *Record) {
		c.net.CloseEndpoint(rec.Endpoint)
	})
	for ep := range c.pending {
		c.net.CloseEndpoint(ep)
	}
}
