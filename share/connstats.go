package wbshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks relay sessions for the "[active/accepted]" log prefix
type ConnStats struct {
	accepted atomic.Int32
	active   atomic.Int32
}

// Accept records a session whose backend was reached
func (c *ConnStats) Accept() {
	c.accepted.Add(1)
}

// Begin and End bracket a running session
func (c *ConnStats) Begin() {
	c.active.Add(1)
}

func (c *ConnStats) End() {
	c.active.Add(-1)
}

// Snapshot returns the active and accepted counts
func (c *ConnStats) Snapshot() (active, accepted int32) {
	return c.active.Load(), c.accepted.Load()
}

func (c *ConnStats) String() string {
	active, accepted := c.Snapshot()
	return fmt.Sprintf("[%d/%d]", active, accepted)
}
