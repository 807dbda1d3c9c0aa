// Package event defines the event topology of a host process: the inbound
// union consumed by the coordinator (network events and UI commands fanned in
// through a Router) and the outbound UI stream (log and status events pushed
// through a Sink). Exactly one Router and one Sink exist per host process.
package event

import (
	"time"

	"github.com/oriys/midas/internal/protocol"
)

// EndpointID identifies one accepted transport connection. It is opaque to
// everything but the transport layer that minted it.
type EndpointID string

// Status is the coordinator's view of a participant.
type Status uint8

const (
	StatusIdle Status = iota
	StatusCalculating
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusCalculating:
		return "Calculating"
	case StatusPaused:
		return "Paused"
	}
	return "Unknown"
}

// Severity classifies a log line.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityResult
	SeverityStdout
	SeverityStarting
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityResult:
		return "RESULT"
	case SeverityStdout:
		return "STDOUT"
	case SeverityStarting:
		return "STARTING"
	}
	return "UNKNOWN"
}

// Source says who produced a log line. The zero value is the host; a
// participant source carries its registered name.
type Source struct {
	Name string
}

// HostSource is the log source for coordinator-originated lines.
var HostSource = Source{}

// ParticipantSource returns the log source for a named participant.
func ParticipantSource(name string) Source { return Source{Name: name} }

func (s Source) IsHost() bool { return s.Name == "" }

func (s Source) String() string {
	if s.IsHost() {
		return "Host"
	}
	return s.Name
}

/* Inbound events: the union the coordinator consumes. */

// Event is one item of the coordinator's inbound stream.
type Event interface{ isEvent() }

// EndpointAdded reports an accepted connection that has not registered yet.
type EndpointAdded struct{ Endpoint EndpointID }

// EndpointRemoved reports a dropped connection.
type EndpointRemoved struct{ Endpoint EndpointID }

// MessageReceived carries one decoded wire message from an endpoint.
type MessageReceived struct {
	Endpoint EndpointID
	Msg      protocol.Message
}

// ProgressReceived is the coalesced form of inbound Progress messages; the
// router keeps only the latest fraction per endpoint.
type ProgressReceived struct {
	Endpoint EndpointID
	Fraction float64
}

func (EndpointAdded) isEvent()    {}
func (EndpointRemoved) isEvent()  {}
func (MessageReceived) isEvent()  {}
func (ProgressReceived) isEvent() {}

/* UI commands, also part of the inbound union. */

// Begin starts a job from the script at Path.
type Begin struct{ Path string }

// PauseOne, PlayOne and KillOne forward the corresponding wire message to a
// single endpoint.
type PauseOne struct{ Endpoint EndpointID }
type PlayOne struct{ Endpoint EndpointID }
type KillOne struct{ Endpoint EndpointID }

// PauseAll, PlayAll and KillAll iterate the registry.
type PauseAll struct{}
type PlayAll struct{}
type KillAll struct{}

// RemoveAll closes every endpoint; disconnect events clean the registry.
type RemoveAll struct{}

// Shutdown asks the coordinator loop to drain and exit.
type Shutdown struct{}

func (Begin) isEvent()     {}
func (PauseOne) isEvent()  {}
func (PlayOne) isEvent()   {}
func (KillOne) isEvent()   {}
func (PauseAll) isEvent()  {}
func (PlayAll) isEvent()   {}
func (KillAll) isEvent()   {}
func (RemoveAll) isEvent() {}
func (Shutdown) isEvent()  {}

/* Outbound UI stream. */

// UIEvent is one item of the coordinator's outbound stream to the renderer.
type UIEvent interface{ isUIEvent() }

// ParticipantRegistered announces a successful Register.
type ParticipantRegistered struct {
	Endpoint EndpointID
	Name     string
}

// ParticipantUnregistered announces removal, explicit or by disconnect.
type ParticipantUnregistered struct{ Name string }

// ChangeStatusTo updates the displayed status of a participant.
type ChangeStatusTo struct {
	Status   Status
	Endpoint EndpointID
	Name     string
}

// ParticipantProgress updates the displayed completion fraction.
type ParticipantProgress struct {
	Name     string
	Fraction float64
}

// Log is one append-only log line.
type Log struct {
	Time     time.Time
	Source   Source
	Severity Severity
	Message  string
}

// InterpretResultsReturn carries the aggregation summary of a finished job.
type InterpretResultsReturn struct{ Text string }

func (ParticipantRegistered) isUIEvent()   {}
func (ParticipantUnregistered) isUIEvent() {}
func (ChangeStatusTo) isUIEvent()          {}
func (ParticipantProgress) isUIEvent()     {}
func (Log) isUIEvent()                     {}
func (InterpretResultsReturn) isUIEvent()  {}
