package harness

import "sync/atomic"

// Context is the shared simulation context: the absolute time counter every
// participant agrees on, the process arguments forwarded by the driver, and
// the external finish flag. One context is shared by everything registered
// with a single bench; evaluation is serial so only the finish flag (which a
// driver may set from a signal handler goroutine) needs to be atomic.
type Context struct {
	time   uint64
	args   []string
	finish atomic.Bool
}

// NewContext returns a context at time zero holding the given process args.
func NewContext(args []string) *Context {
	return &Context{args: args}
}

// Time returns the current simulated time in ps.
func (c *Context) Time() uint64 {
	return c.time
}

// AdvanceTime moves simulated time forward by delta ps. Time never moves
// backwards; there is no way to subtract.
func (c *Context) AdvanceTime(delta uint64) {
	c.time += delta
}

// Args returns the process arguments the driver forwarded at construction.
func (c *Context) Args() []string {
	return c.args
}

// SetFinish requests a clean stop. Safe to call from a signal handler
// goroutine; the bench observes it at the next IsDone check.
func (c *Context) SetFinish() {
	c.finish.Store(true)
}

// GotFinish reports whether an external finish was requested.
func (c *Context) GotFinish() bool {
	return c.finish.Load()
}
