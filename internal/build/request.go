package build

import "sync/atomic"

var nextTicket atomic.Uint64

// Request asks for the artifact of one source document.
type Request struct {
	// ID is content addressed; equal sources share an artifact.
	ID              string
	Source          string
	PreviousBuildID string
	Sink            *Sink

	// Ticket distinguishes two requests for the same ID.
	Ticket uint64

	// position last announced by the queue; owned by the queue goroutine.
	position int
}

// NewRequest creates a request with a fresh ticket and sink.
func NewRequest(id, source, previousBuildID string) *Request {
	return &Request{
		ID:              id,
		Source:          source,
		PreviousBuildID: previousBuildID,
		Sink:            NewSink(),
		Ticket:          nextTicket.Add(1),
		position:        -1,
	}
}
