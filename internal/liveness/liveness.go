// Package liveness shuts the server down after a period without traffic so
// that an on-demand host can scale it to zero.
package liveness

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/conneroisu/playground/internal/logging"
)

// IdleChecker reports whether background work is still in progress.
type IdleChecker interface {
	Idle() bool
}

// Controller tracks the time of the last inbound request.
type Controller struct {
	mu   sync.Mutex
	last time.Time

	delay    time.Duration
	interval time.Duration
	work     IdleChecker
	now      func() time.Time
	logger   logging.Logger
}

// NewController creates a controller that considers the process idle after
// delay without requests while work is idle. A zero delay disables it.
func NewController(delay, interval time.Duration, work IdleChecker, logger logging.Logger) *Controller {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Controller{
		last:     time.Now(),
		delay:    delay,
		interval: interval,
		work:     work,
		now:      time.Now,
		logger:   logging.OrNop(logger).WithComponent("liveness"),
	}
}

// Enabled reports whether idle shutdown is configured.
func (c *Controller) Enabled() bool {
	return c.delay > 0
}

// Touch records activity now.
func (c *Controller) Touch() {
	c.mu.Lock()
	c.last = c.now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent Touch.
func (c *Controller) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}

// Middleware touches the controller on every request.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Touch()
		next.ServeHTTP(w, r)
	})
}

// Expired reports whether the idle delay has passed and no work is pending.
func (c *Controller) Expired() bool {
	if !c.Enabled() {
		return false
	}
	if c.now().Sub(c.LastActivity()) < c.delay {
		return false
	}

	return c.work == nil || c.work.Idle()
}

// Run checks for expiry every interval and calls onIdle once when it happens.
// It returns after onIdle or when ctx is cancelled. A disabled controller
// returns immediately.
func (c *Controller) Run(ctx context.Context, onIdle func()) error {
	if !c.Enabled() {
		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.Expired() {
				c.logger.Info(ctx, "Idle delay passed, shutting down",
					"idle_for", c.now().Sub(c.LastActivity()).String())
				onIdle()

				return nil
			}
		}
	}
}
