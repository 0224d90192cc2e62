package build

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

type fakeJob struct {
	req  *Request
	done chan struct{}
	once sync.Once
	err  error
}

func (j *fakeJob) finish(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.done)
	})
}

// fakeRunner completes jobs when the test says so and records how many ran
// at the same time.
type fakeRunner struct {
	mu        sync.Mutex
	current   *fakeJob
	active    int
	maxActive int
	started   chan *Request
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan *Request, 1000)}
}

func (f *fakeRunner) Start(req *Request) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.current = &fakeJob{req: req, done: make(chan struct{})}
	f.mu.Unlock()
	f.started <- req
}

func (f *fakeRunner) Stop() {
	f.mu.Lock()
	j := f.current
	f.mu.Unlock()
	if j != nil {
		j.finish(ErrCancelled)
	}
}

func (f *fakeRunner) complete(err error) {
	f.mu.Lock()
	j := f.current
	f.mu.Unlock()
	if j != nil {
		j.finish(err)
	}
}

func (f *fakeRunner) Wait(ctx context.Context) (*Request, error) {
	f.mu.Lock()
	j := f.current
	f.mu.Unlock()
	if j == nil {
		return nil, ErrNotStarted
	}
	<-j.done
	f.mu.Lock()
	f.active--
	if f.current == j {
		f.current = nil
	}
	f.mu.Unlock()
	return j.req, j.err
}

func (f *fakeRunner) max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func startQueue(t *testing.T, runner Runner) (*Queue, context.CancelFunc, chan error) {
	t.Helper()
	q := NewQueue(runner, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q, cancel, done
}

// next returns the next n events from sink.
func next(t *testing.T, sink *Sink, n int) []Event {
	t.Helper()
	var out []Event
	var buffered []Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		if len(buffered) == 0 {
			select {
			case <-sink.Ready():
				buffered = sink.Drain()
			case <-deadline:
				t.Fatalf("timed out after %d of %d events", len(out), n)
			}
			continue
		}
		out = append(out, buffered[0])
		buffered = buffered[1:]
	}
	require.Empty(t, buffered, "unexpected extra events")
	return out
}

func expectStarted(t *testing.T, r *fakeRunner, want *Request) {
	t.Helper()
	select {
	case got := <-r.started:
		assert.Same(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not started")
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestQueueRunsIdleRequestImmediately(t *testing.T) {
	r := newFakeRunner()
	q, _, _ := startQueue(t, r)
	ctx := context.Background()

	a := NewRequest("a", "src a", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)

	events := next(t, a.Sink, 1)
	assert.Equal(t, queuedEvent(0), events[0])
	assert.False(t, q.Idle())

	r.complete(nil)
	events = next(t, a.Sink, 2)
	assert.Equal(t, StageFinished, events[0].Stage.Type)
	require.NotNil(t, events[1].Result)
	assert.Equal(t, "a", events[1].Result.ID)
	assert.NoError(t, events[1].Result.Err)

	eventually(t, q.Idle)
}

func TestQueuePositions(t *testing.T) {
	r := newFakeRunner()
	q, _, _ := startQueue(t, r)
	ctx := context.Background()

	a := NewRequest("a", "src a", "")
	b := NewRequest("b", "src b", "")
	c := NewRequest("c", "src c", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)
	require.NoError(t, q.Start(ctx, b))
	require.NoError(t, q.Start(ctx, c))

	assert.Equal(t, []Event{queuedEvent(1)}, next(t, b.Sink, 1))
	assert.Equal(t, []Event{queuedEvent(2)}, next(t, c.Sink, 1))
	eventually(t, func() bool { return q.Waiting() == 2 })

	r.complete(nil)
	expectStarted(t, r, b)
	assert.Equal(t, []Event{queuedEvent(0)}, next(t, b.Sink, 1))
	assert.Equal(t, []Event{queuedEvent(1)}, next(t, c.Sink, 1))

	r.complete(errors.NewBuildError(errors.ErrCodeToolchainFailed, "toolchain failed", nil))
	expectStarted(t, r, c)
	events := next(t, b.Sink, 2)
	assert.True(t, errors.Is(events[1].Result.Err, ErrToolchainFailed))
	assert.Equal(t, []Event{queuedEvent(0)}, next(t, c.Sink, 1))

	r.complete(nil)
	next(t, c.Sink, 2)
	eventually(t, q.Idle)
	assert.Equal(t, 1, r.max())
}

func TestQueueStopQueuedRequest(t *testing.T) {
	r := newFakeRunner()
	q, _, _ := startQueue(t, r)
	ctx := context.Background()

	a := NewRequest("a", "src", "")
	b := NewRequest("b", "src", "")
	c := NewRequest("c", "src", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)
	require.NoError(t, q.Start(ctx, b))
	require.NoError(t, q.Start(ctx, c))
	next(t, b.Sink, 1)
	next(t, c.Sink, 1)

	require.NoError(t, q.Stop(ctx, b.Ticket))
	assert.Equal(t, []Event{queuedEvent(1)}, next(t, c.Sink, 1))

	r.complete(nil)
	expectStarted(t, r, c)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.Sink.Drain(), "stopped request received events")
}

func TestQueueStopRunningRequest(t *testing.T) {
	r := newFakeRunner()
	q, _, _ := startQueue(t, r)
	ctx := context.Background()

	a := NewRequest("a", "src", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)
	next(t, a.Sink, 1)

	require.NoError(t, q.Stop(ctx, a.Ticket))
	events := next(t, a.Sink, 2)
	assert.True(t, errors.Is(events[1].Result.Err, ErrCancelled))
	eventually(t, q.Idle)
}

func TestQueueSameIDDifferentTickets(t *testing.T) {
	r := newFakeRunner()
	q, _, _ := startQueue(t, r)
	ctx := context.Background()

	a := NewRequest("same", "src", "")
	b := NewRequest("same", "src", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)
	require.NoError(t, q.Start(ctx, b))
	next(t, b.Sink, 1)

	// Stopping the waiter must not cancel the running twin.
	require.NoError(t, q.Stop(ctx, b.Ticket))
	eventually(t, func() bool { return q.Waiting() == 0 })
	r.mu.Lock()
	running := r.current != nil
	r.mu.Unlock()
	assert.True(t, running)
}

func TestQueueDropsClosedSinks(t *testing.T) {
	r := newFakeRunner()
	q, _, _ := startQueue(t, r)
	ctx := context.Background()

	a := NewRequest("a", "src", "")
	b := NewRequest("b", "src", "")
	c := NewRequest("c", "src", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)
	require.NoError(t, q.Start(ctx, b))
	require.NoError(t, q.Start(ctx, c))
	next(t, c.Sink, 1)

	b.Sink.Close()
	r.complete(nil)
	expectStarted(t, r, c)
	assert.Equal(t, []Event{queuedEvent(0)}, next(t, c.Sink, 1))
}

func TestQueueClosedSinkStopsRunningBuild(t *testing.T) {
	r := newFakeRunner()
	q, _, _ := startQueue(t, r)
	ctx := context.Background()

	a := NewRequest("a", "src", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)

	a.Sink.Close()
	// Any command triggers a sweep.
	require.NoError(t, q.Stop(ctx, 0))
	eventually(t, q.Idle)
}

func TestQueueShutdown(t *testing.T) {
	r := newFakeRunner()
	q, cancel, done := startQueue(t, r)
	ctx := context.Background()

	a := NewRequest("a", "src", "")
	b := NewRequest("b", "src", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)
	require.NoError(t, q.Start(ctx, b))
	next(t, b.Sink, 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	done <- context.Canceled // for cleanup

	events := next(t, b.Sink, 1)
	assert.True(t, errors.Is(events[0].Result.Err, ErrCancelled))
	assert.True(t, errors.Is(q.Start(ctx, NewRequest("c", "", "")), ErrQueueClosed))
}

func TestSink(t *testing.T) {
	s := NewSink()
	assert.True(t, s.Send(queuedEvent(1)))
	assert.True(t, s.Send(queuedEvent(0)))

	<-s.Ready()
	assert.Equal(t, []Event{queuedEvent(1), queuedEvent(0)}, s.Drain())
	assert.Empty(t, s.Drain())

	s.Close()
	assert.True(t, s.Closed())
	assert.False(t, s.Send(queuedEvent(0)))
	assert.Empty(t, s.Drain())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestQueueFailureLogLevels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
	}{
		{"toolchain failure warns", errors.NewBuildError(errors.ErrCodeToolchainFailed, "exit status 101", nil), `"level":"WARN"`},
		{"io failure errors", errors.WrapIO(errors.New("disk full"), "publish artifact"), `"level":"ERROR"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &lockedBuffer{}
			logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelInfo, Format: "json", Output: out})

			r := newFakeRunner()
			q := NewQueue(r, logger)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- q.Run(ctx) }()
			t.Cleanup(func() {
				cancel()
				<-done
			})

			a := NewRequest("a", "src a", "")
			require.NoError(t, q.Start(ctx, a))
			expectStarted(t, r, a)
			r.complete(tt.err)
			events := next(t, a.Sink, 3)
			require.NotNil(t, events[2].Result)

			eventually(t, func() bool { return strings.Contains(out.String(), "Build failed") })
			for _, line := range strings.Split(out.String(), "\n") {
				if strings.Contains(line, "Build failed") {
					assert.Contains(t, line, tt.level)
				}
			}
		})
	}
}

func TestQueueCancelledBuildNotLogged(t *testing.T) {
	out := &lockedBuffer{}
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelInfo, Format: "json", Output: out})

	r := newFakeRunner()
	q := NewQueue(r, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	a := NewRequest("a", "src a", "")
	require.NoError(t, q.Start(ctx, a))
	expectStarted(t, r, a)
	r.complete(ErrCancelled)
	next(t, a.Sink, 3)

	assert.NotContains(t, out.String(), "Build failed")
}
