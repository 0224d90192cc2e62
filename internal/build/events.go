package build

import (
	"sync"
	"sync/atomic"
)

// StageType is the top level build stage.
type StageType string

const (
	StageNotStarted StageType = "not_started"
	StageStarting   StageType = "starting"
	StageBuilding   StageType = "building"
	StageFinished   StageType = "finished"
)

// Building sub-stage types reported by the toolchain.
const (
	BuildingCompiling      = "compiling"
	BuildingRunningBindgen = "running_bindgen"
	BuildingOther          = "other"
)

// Stage is a build stage. Building is set for StageBuilding only.
type Stage struct {
	Type     StageType      `json:"type"`
	Building *BuildingStage `json:"building,omitempty"`
}

// BuildingStage is the toolchain's progress while compiling.
type BuildingStage struct {
	Type           string `json:"type"`
	CratesCompiled int    `json:"crates_compiled"`
	TotalCrates    int    `json:"total_crates"`
	CurrentCrate   string `json:"current_crate,omitempty"`
}

// Span locates a diagnostic in the user's source.
type Span struct {
	LineStart   int     `json:"line_start"`
	LineEnd     int     `json:"line_end"`
	ColumnStart int     `json:"column_start"`
	ColumnEnd   int     `json:"column_end"`
	Label       *string `json:"label,omitempty"`
}

// Diagnostic is a compiler error or warning for the user's crate.
type Diagnostic struct {
	Level       string `json:"level"`
	Message     string `json:"message"`
	Spans       []Span `json:"spans"`
	Rendered    string `json:"rendered,omitempty"`
	TargetCrate string `json:"-"`
}

// EventKind discriminates events sent to a requester.
type EventKind int

const (
	EventQueued EventKind = iota
	EventStage
	EventDiagnostic
	EventFinished
)

// Event is one progress update for a request.
type Event struct {
	Kind       EventKind
	Position   int
	Stage      Stage
	Diagnostic *Diagnostic
	Result     *Result
}

// Result is the outcome of a build: the artifact id on success.
type Result struct {
	ID  string
	Err error
}

func queuedEvent(position int) Event { return Event{Kind: EventQueued, Position: position} }

func stageEvent(s Stage) Event { return Event{Kind: EventStage, Stage: s} }

func finishedEvent(r Result) Event { return Event{Kind: EventFinished, Result: &r} }

// Sink is the one-way mailbox from the build side to a session. Send never
// blocks; the session drains it whenever Ready fires. A closed sink drops
// everything sent to it.
type Sink struct {
	mu     sync.Mutex
	events []Event
	ready  chan struct{}
	closed atomic.Bool
}

// NewSink creates an open, empty sink.
func NewSink() *Sink {
	return &Sink{ready: make(chan struct{}, 1)}
}

// Send queues e and reports whether the sink was still open.
func (s *Sink) Send(e Event) bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready fires after one or more events were sent.
func (s *Sink) Ready() <-chan struct{} {
	return s.ready
}

// Drain returns the queued events in send order and empties the sink.
func (s *Sink) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// Close marks the peer as gone.
func (s *Sink) Close() {
	s.closed.Store(true)
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	return s.closed.Load()
}
