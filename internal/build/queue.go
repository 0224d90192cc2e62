package build

import (
	"context"
	"sync/atomic"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

// Runner is the single-slot executor the queue drives.
type Runner interface {
	Start(req *Request)
	Stop()
	Wait(ctx context.Context) (*Request, error)
}

// ErrQueueClosed is returned when a command is sent after Run returned.
var ErrQueueClosed = errors.NewInternalError(errors.ErrCodeInternalError, "build queue is closed", nil)

type command struct {
	start  *Request
	stop   uint64
	isStop bool
}

type outcome struct {
	req *Request
	err error
}

// Queue serializes requests onto a Runner in FIFO order. All state is owned
// by the Run goroutine; Start and Stop only send commands to it.
type Queue struct {
	runner Runner
	logger logging.Logger
	errs   *errors.ErrorHandler

	cmds    chan command
	results chan outcome
	done    chan struct{}

	idle    atomic.Bool
	waiting atomic.Int64
}

// NewQueue creates a queue over runner. Call Run to start serving.
func NewQueue(runner Runner, logger logging.Logger) *Queue {
	q := &Queue{
		runner:  runner,
		logger:  logging.OrNop(logger).WithComponent("queue"),
		cmds:    make(chan command, 64),
		results: make(chan outcome, 1),
		done:    make(chan struct{}),
	}
	q.errs = errors.NewErrorHandler(q.logger)
	q.idle.Store(true)
	return q
}

// Start submits req. The requester learns its position through req.Sink:
// Queued(0) means it is being built.
func (q *Queue) Start(ctx context.Context, req *Request) error {
	return q.send(ctx, command{start: req})
}

// Stop cancels the request with ticket, whether running or waiting.
func (q *Queue) Stop(ctx context.Context, ticket uint64) error {
	return q.send(ctx, command{stop: ticket, isStop: true})
}

func (q *Queue) send(ctx context.Context, cmd command) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.cmds <- cmd:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Idle reports whether nothing is running or waiting.
func (q *Queue) Idle() bool {
	return q.idle.Load()
}

// Waiting returns the number of requests waiting behind the running one.
func (q *Queue) Waiting() int {
	return int(q.waiting.Load())
}

// Run serves commands until ctx is cancelled. On return the running build is
// stopped and every waiter is told the queue shut down.
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.done)

	var current *Request
	var pending []*Request

	launch := func(req *Request) {
		current = req
		req.position = 0
		req.Sink.Send(queuedEvent(0))
		q.runner.Start(req)
		go func() {
			_, err := q.runner.Wait(context.Background())
			q.results <- outcome{req: req, err: err}
		}()
		q.logger.Info(ctx, "Build started", "build_id", req.ID, "waiting", len(pending))
	}

	next := func() {
		for len(pending) > 0 && current == nil {
			req := pending[0]
			pending = pending[1:]
			if req.Sink.Closed() {
				continue
			}
			launch(req)
		}
	}

	sweep := func() {
		if current != nil && current.Sink.Closed() {
			q.runner.Stop()
		}
		kept := pending[:0]
		for _, req := range pending {
			if req.Sink.Closed() {
				continue
			}
			kept = append(kept, req)
		}
		for i := len(kept); i < len(pending); i++ {
			pending[i] = nil
		}
		pending = kept

		for i, req := range pending {
			if req.position != i+1 {
				req.position = i + 1
				req.Sink.Send(queuedEvent(i + 1))
			}
		}
		q.waiting.Store(int64(len(pending)))
		q.idle.Store(current == nil && len(pending) == 0)
	}

	for {
		select {
		case <-ctx.Done():
			if current != nil {
				q.runner.Stop()
			}
			for _, req := range pending {
				req.Sink.Send(finishedEvent(Result{ID: req.ID, Err: ErrCancelled}))
			}
			q.idle.Store(true)
			return ctx.Err()

		case cmd := <-q.cmds:
			if cmd.isStop {
				q.stop(ctx, cmd.stop, current, &pending)
			} else if current == nil {
				launch(cmd.start)
			} else {
				pending = append(pending, cmd.start)
				q.logger.Debug(ctx, "Build queued", "build_id", cmd.start.ID, "position", len(pending))
			}
			sweep()

		case out := <-q.results:
			if out.req != current {
				// Cannot happen with a single runner; keep serving.
				q.logger.Error(ctx, nil, "Result for a request that is not running", "build_id", out.req.ID)
			}
			current = nil
			q.finish(ctx, out)
			next()
			sweep()
		}
	}
}

func (q *Queue) stop(ctx context.Context, ticket uint64, current *Request, pending *[]*Request) {
	if current != nil && current.Ticket == ticket {
		q.logger.Info(ctx, "Stopping running build", "build_id", current.ID)
		q.runner.Stop()
		return
	}
	for i, req := range *pending {
		if req.Ticket == ticket {
			*pending = append((*pending)[:i], (*pending)[i+1:]...)
			q.logger.Debug(ctx, "Removed queued build", "build_id", req.ID)
			return
		}
	}
}

func (q *Queue) finish(ctx context.Context, out outcome) {
	req := out.req
	if out.err != nil && !isCancelled(out.err) {
		q.errs.Handle(ctx, out.err, "Build failed", "build_id", req.ID)
	}
	req.Sink.Send(stageEvent(Stage{Type: StageFinished}))
	req.Sink.Send(finishedEvent(Result{ID: req.ID, Err: out.err}))
}
