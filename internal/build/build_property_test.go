//go:build property

package build

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBuildIDProperties validates that ids are a pure function of the source
func TestBuildIDProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234) // For reproducible results
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("same source yields same id", prop.ForAll(
		func(src string) bool {
			var fp Fingerprint
			id := DeriveID(fp, src)
			_, err := uuid.Parse(id)
			return err == nil && id == DeriveID(fp, src)
		},
		gen.AnyString(),
	))

	properties.Property("different sources yield different ids", prop.ForAll(
		func(a, b string) bool {
			var fp Fingerprint
			if a == b {
				return true
			}
			return DeriveID(fp, a) != DeriveID(fp, b)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestQueueProperties drives the queue with random stop patterns
func TestQueueProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("one build at a time and every live request finishes", prop.ForAll(
		func(stops []bool) bool {
			r := newFakeRunner()
			q := NewQueue(r, nil)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- q.Run(ctx) }()
			defer func() {
				cancel()
				<-done
			}()

			reqs := make([]*Request, len(stops))
			for i := range stops {
				reqs[i] = NewRequest("id", "src", "")
				if err := q.Start(ctx, reqs[i]); err != nil {
					return false
				}
			}
			for i, stop := range stops {
				if stop {
					if err := q.Stop(ctx, reqs[i].Ticket); err != nil {
						return false
					}
				}
			}

			events := make([][]Event, len(reqs))
			finished := func() bool {
				all := true
				for i, req := range reqs {
					events[i] = append(events[i], req.Sink.Drain()...)
					if stops[i] {
						continue
					}
					n := len(events[i])
					if n == 0 || events[i][n-1].Kind != EventFinished {
						all = false
					}
				}
				return all
			}

			deadline := time.After(5 * time.Second)
			for !finished() {
				select {
				case <-r.started:
					r.complete(nil)
				case <-time.After(5 * time.Millisecond):
				case <-deadline:
					return false
				}
			}

			if r.max() > 1 {
				return false
			}
			// Positions only move forward and reach zero before finishing.
			for i := range reqs {
				if stops[i] {
					continue
				}
				last := len(reqs) + 1
				for _, e := range events[i] {
					if e.Kind != EventQueued {
						continue
					}
					if e.Position >= last {
						return false
					}
					last = e.Position
				}
				if last != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}
