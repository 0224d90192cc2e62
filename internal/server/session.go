package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/conneroisu/playground/internal/build"
	"github.com/conneroisu/playground/internal/logging"
)

const (
	writeWait = 10 * time.Second
	// maxFrameSize bounds a client frame; sources are capped separately.
	maxFrameSize = 1 << 20
)

// buildQueue is the part of build.Queue a session uses.
type buildQueue interface {
	Start(ctx context.Context, req *build.Request) error
	Stop(ctx context.Context, ticket uint64) error
}

// session serves one /ws connection: at most one build at a time, events
// forwarded in order, closed after the build finishes.
type session struct {
	conn    *websocket.Conn
	ip      string
	queue   buildQueue
	ids     func(source string) string
	limiter *RateLimiter
	logger  logging.Logger

	// current is the outstanding request; nil while idle.
	current *build.Request
}

type inbound struct {
	data []byte
	err  error
}

func (s *session) run(ctx context.Context) {
	frames := make(chan inbound)
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	go s.readLoop(readCtx, frames)

	defer s.release()

	for {
		var ready <-chan struct{}
		if s.current != nil {
			ready = s.current.Sink.Ready()
		}

		select {
		case <-ctx.Done():
			_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")

			return

		case in := <-frames:
			if in.err != nil {
				if websocket.CloseStatus(in.err) == -1 && ctx.Err() == nil {
					s.logger.Debug(ctx, "Session read ended", "error", in.err.Error())
				}

				return
			}
			if !s.handleFrame(ctx, in.data, frames) {
				return
			}

		case <-ready:
			if s.forward(ctx) {
				_ = s.conn.Close(websocket.StatusNormalClosure, "build finished")

				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context, frames chan<- inbound) {
	for {
		_, data, err := s.conn.Read(ctx)
		select {
		case frames <- inbound{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleFrame processes one client frame. It returns false when the session
// must end.
func (s *session) handleFrame(ctx context.Context, data []byte, frames <-chan inbound) bool {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return s.write(ctx, errorFrame("malformed frame: "+err.Error()))
	}
	if frame.Kind != KindBuild {
		return s.write(ctx, errorFrame("unknown frame kind "+frame.Kind))
	}

	if s.current != nil {
		s.stopCurrent(ctx)
	}

	for {
		result := s.limiter.Check(s.ip)
		if result.Allowed {
			break
		}
		if !s.write(ctx, rateLimitedFrame(retryAfterMs(result.RetryAfter))) {
			return false
		}
		if !s.delay(ctx, result.RetryAfter, frames) {
			return false
		}
	}

	req := build.NewRequest(s.ids(frame.Source), frame.Source, frame.PreviousBuildID)
	if err := s.queue.Start(ctx, req); err != nil {
		s.logger.Error(ctx, err, "Failed to queue build", "build_id", req.ID)

		return s.write(ctx, errorFrame("build service unavailable"))
	}
	s.current = req
	s.logger.Debug(ctx, "Build requested", "build_id", req.ID, "client_ip", s.ip)

	return true
}

func retryAfterMs(d time.Duration) int64 {
	ms := (d + time.Millisecond - 1).Milliseconds()
	if ms < 1 {
		ms = 1
	}

	return ms
}

// delay waits out a rate limit. Frames arriving meanwhile are dropped; a
// disconnect ends the wait.
func (s *session) delay(ctx context.Context, d time.Duration, frames <-chan inbound) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		case in := <-frames:
			if in.err != nil {
				return false
			}
		}
	}
}

// forward writes every pending event and reports whether the build finished.
func (s *session) forward(ctx context.Context) bool {
	for _, e := range s.current.Sink.Drain() {
		if !s.write(ctx, eventFrame(e)) {
			return true
		}
		if e.Kind == build.EventFinished {
			s.current.Sink.Close()
			s.current = nil

			return true
		}
	}

	return false
}

func (s *session) stopCurrent(ctx context.Context) {
	req := s.current
	s.current = nil
	req.Sink.Close()
	if err := s.queue.Stop(ctx, req.Ticket); err != nil {
		s.logger.Warn(ctx, err, "Failed to stop build", "build_id", req.ID)
	}
}

// release stops an outstanding build when the peer goes away.
func (s *session) release() {
	if s.current == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	s.logger.Debug(ctx, "Peer left during build", "build_id", s.current.ID)
	s.stopCurrent(ctx)
}

func (s *session) write(ctx context.Context, frame ServerFrame) bool {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := wsjson.Write(writeCtx, s.conn, frame); err != nil {
		s.logger.Debug(ctx, "Session write failed", "error", err.Error())

		return false
	}

	return true
}
