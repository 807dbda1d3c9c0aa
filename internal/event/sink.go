package event

import (
	"sync"
	"time"
)

// Sink is the outbound stream from the coordinator to the UI renderer.
// Non-progress events block until delivered; ParticipantProgress is
// latest-wins per participant so a slow renderer only costs intermediate
// fractions, never log lines or status changes.
type Sink struct {
	ch chan UIEvent

	mu      sync.Mutex
	pending map[string]float64
	order   []string
}

// NewSink creates a sink with the given channel bound; buffer <= 0 uses
// DefaultBuffer.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Sink{
		ch:      make(chan UIEvent, buffer),
		pending: make(map[string]float64),
	}
}

// Events returns the stream the renderer consumes.
func (s *Sink) Events() <-chan UIEvent { return s.ch }

// Send delivers ev, blocking until there is room.
func (s *Sink) Send(ev UIEvent) {
	s.flush()
	s.ch <- ev
}

// Progress delivers a completion fraction without blocking, keeping only the
// latest per participant when the renderer lags.
func (s *Sink) Progress(name string, fraction float64) {
	s.mu.Lock()
	if _, queued := s.pending[name]; !queued {
		s.order = append(s.order, name)
	}
	s.pending[name] = fraction
	s.mu.Unlock()
	s.flush()
}

// Logf is shorthand for a timestamped Log event.
func (s *Sink) Logf(src Source, sev Severity, msg string) {
	s.Send(Log{Time: time.Now(), Source: src, Severity: sev, Message: msg})
}

func (s *Sink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) > 0 {
		name := s.order[0]
		select {
		case s.ch <- ParticipantProgress{Name: name, Fraction: s.pending[name]}:
			delete(s.pending, name)
			s.order = s.order[1:]
		default:
			return
		}
	}
}
