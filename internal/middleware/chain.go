// Package middleware composes the HTTP middleware stack.
//
// Middlewares run in the order they were added: the first one added is the
// outermost wrapper and sees the request first.
package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/conneroisu/playground/internal/logging"
)

// Middleware represents a single middleware function
type Middleware func(http.Handler) http.Handler

// Chain is an ordered middleware stack.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain of the given middlewares, outermost first.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: append([]Middleware(nil), middlewares...)}
}

// Use appends a middleware inside the existing ones.
func (c *Chain) Use(m Middleware) *Chain {
	c.middlewares = append(c.middlewares, m)

	return c
}

// Len returns the number of middlewares.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Apply wraps handler with every middleware.
func (c *Chain) Apply(handler http.Handler) http.Handler {
	if handler == nil {
		panic("middleware.Chain.Apply: handler cannot be nil")
	}

	wrapped := handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		m := c.middlewares[i]
		if m == nil {
			panic(fmt.Sprintf("middleware.Chain.Apply: middleware at index %d is nil", i))
		}
		wrapped = m(wrapped)
	}

	return wrapped
}

// Logging logs every request with its status and duration. Upgraded
// connections are logged when the handler returns, which is when the socket
// closes.
func Logging(logger logging.Logger) Middleware {
	logger = logging.OrNop(logger).WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Debug(r.Context(), "Request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"hijacked", rec.hijacked,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true

	return r.ResponseWriter.Write(b)
}

// Hijack lets WebSocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.hijacked = true
	r.status = http.StatusSwitchingProtocols

	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
