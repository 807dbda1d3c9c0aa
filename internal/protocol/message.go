// Package protocol defines the framed message set exchanged between the host
// and its participants, and the codec that moves it over a TCP stream.
//
// Each frame carries exactly one message. The payload is a self-describing
// gob encoding of a tagged union; a 4-byte big-endian length prefix delimits
// frames so a reader never has to guess message boundaries.
package protocol

import (
	"fmt"

	"github.com/oriys/midas/internal/table"
)

// Direction says which side is allowed to send a message. A message arriving
// against its direction is a protocol violation and the receiver drops the
// endpoint.
type Direction uint8

const (
	// ToParticipant messages originate at the host.
	ToParticipant Direction = iota
	// ToHost messages originate at a participant.
	ToHost
)

func (d Direction) String() string {
	if d == ToParticipant {
		return "host->participant"
	}
	return "participant->host"
}

// Message is one member of the wire union.
type Message interface {
	// Direction reports the only legal sending side for this message.
	Direction() Direction
}

/* Host to participant */

// Code carries the full script source. Evaluating it defines execute_code on
// the participant VM.
type Code struct{ Source string }

// Data carries one worker's input table, bound as global_data before Execute.
type Data struct{ Payload table.Table }

// Execute tells the worker to run execute_code().
type Execute struct{}

// Play resumes a paused worker at its next checkpoint read.
type Play struct{}

// Pause suspends a worker at its next checkpoint.
type Pause struct{}

// Kill terminates a worker at its next checkpoint.
type Kill struct{}

/* Participant to host */

// Register announces a worker under its unique name.
type Register struct{ Name string }

// Unregister removes the worker from the host registry before disconnect.
type Unregister struct{}

// Result carries the table returned by execute_code().
type Result struct{ Payload table.Table }

// Progress reports completion as a fraction in [0,1].
type Progress struct{ Fraction float64 }

// Executing acknowledges that the worker started (or resumed) running.
type Executing struct{}

// Paused acknowledges that the worker suspended at a checkpoint.
type Paused struct{}

// Stdout carries a line printed by the script.
type Stdout struct{ Line string }

// Whisper carries an informational line from the worker runtime itself.
type Whisper struct{ Line string }

// ScriptError reports a failure raised by the script or its executor.
type ScriptError struct{ Msg string }

// ScriptWarning reports a non-fatal problem raised by the script.
type ScriptWarning struct{ Msg string }

func (Code) Direction() Direction    { return ToParticipant }
func (Data) Direction() Direction    { return ToParticipant }
func (Execute) Direction() Direction { return ToParticipant }
func (Play) Direction() Direction    { return ToParticipant }
func (Pause) Direction() Direction   { return ToParticipant }
func (Kill) Direction() Direction    { return ToParticipant }

func (Register) Direction() Direction      { return ToHost }
func (Unregister) Direction() Direction    { return ToHost }
func (Result) Direction() Direction        { return ToHost }
func (Progress) Direction() Direction      { return ToHost }
func (Executing) Direction() Direction     { return ToHost }
func (Paused) Direction() Direction        { return ToHost }
func (Stdout) Direction() Direction        { return ToHost }
func (Whisper) Direction() Direction       { return ToHost }
func (ScriptError) Direction() Direction   { return ToHost }
func (ScriptWarning) Direction() Direction { return ToHost }

// Name returns a short identifier for logs.
func Name(m Message) string {
	switch m.(type) {
	case Code:
		return "Code"
	case Data:
		return "Data"
	case Execute:
		return "Execute"
	case Play:
		return "Play"
	case Pause:
		return "Pause"
	case Kill:
		return "Kill"
	case Register:
		return "Register"
	case Unregister:
		return "Unregister"
	case Result:
		return "Result"
	case Progress:
		return "Progress"
	case Executing:
		return "Executing"
	case Paused:
		return "Paused"
	case Stdout:
		return "Stdout"
	case Whisper:
		return "Whisper"
	case ScriptError:
		return "ScriptError"
	case ScriptWarning:
		return "ScriptWarning"
	}
	return fmt.Sprintf("%T", m)
}
